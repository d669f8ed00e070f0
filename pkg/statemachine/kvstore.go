package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
)

// CommandType identifies which mutation a Command applies.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command is the payload carried by a DATA log entry targeting KVStore. It
// is gob-encoded by EncodeCommand before being handed to Propose.
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// EncodeCommand gob-encodes cmd for use as a log entry payload.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("statemachine: encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// clientSession tracks the last request applied for one client, so that a
// Propose retried after an ambiguous timeout is applied at most once
// (a state-machine-layer guarantee, not a core Raft one).
type clientSession struct {
	LastRequestID uint64
	Response      interface{}
}

// KVStore is the reference state machine: an in-memory string-keyed byte
// store.
type KVStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	sessions     map[string]*clientSession
	appliedIndex uint64
}

// NewKVStore constructs an empty store.
func NewKVStore() *KVStore {
	return &KVStore{
		data:     make(map[string][]byte),
		sessions: make(map[string]*clientSession),
	}
}

// AppliedThrough reports the highest index Apply has been called with,
// regardless of whether the payload actually decoded as a Command. Callers
// (notably pkg/simulation) use this to observe replication progress without
// caring what the opaque payload actually was.
func (s *KVStore) AppliedThrough() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIndex
}

// Apply decodes payload as a Command and applies it, deduplicating by
// (ClientID, RequestID).
func (s *KVStore) Apply(index uint64, payload []byte) (interface{}, error) {
	s.mu.Lock()
	if index > s.appliedIndex {
		s.appliedIndex = index
	}
	s.mu.Unlock()

	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("statemachine: decode command at index %d: %w", index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ClientID != "" {
		if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
			return session.Response, nil
		}
	}

	var response interface{}
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	default:
		return nil, fmt.Errorf("statemachine: unknown command type %d", cmd.Type)
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &clientSession{LastRequestID: cmd.RequestID, Response: response}
	}
	return response, nil
}

// Get retrieves a value by key. This is a read-only convenience for
// callers embedding KVStore directly; it does not go through Raft and so
// is only linearizable when called on a confirmed leader after a read
// barrier (outside this package's scope).
func (s *KVStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Size returns the number of keys currently stored.
func (s *KVStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// snapshotState is the gob-encoded shape persisted by TakeSnapshot.
type snapshotState struct {
	Data         map[string][]byte
	Sessions     map[string]*clientSession
	AppliedIndex uint64
}

// TakeSnapshot serializes the store's data, session table, and applied
// index to path.
func (s *KVStore) TakeSnapshot(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotState{Data: s.data, Sessions: s.sessions, AppliedIndex: s.appliedIndex}); err != nil {
		return fmt.Errorf("statemachine: encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("statemachine: write snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot replaces the store's entire state with what is encoded
// at path.
func (s *KVStore) RestoreSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("statemachine: read snapshot: %w", err)
	}
	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return fmt.Errorf("statemachine: decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Data == nil {
		state.Data = make(map[string][]byte)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*clientSession)
	}
	s.data = state.Data
	s.sessions = state.Sessions
	if state.AppliedIndex > s.appliedIndex {
		s.appliedIndex = state.AppliedIndex
	}
	return nil
}
