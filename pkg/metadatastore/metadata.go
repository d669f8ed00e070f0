// Package metadatastore durably records the two fields Raft must persist
// before acknowledging a vote or an append: current_term and voted_for.
//
// The hot path (get) never touches disk. Writes are coalesced by a
// background goroutine and callers that need a durability guarantee call
// Sync, which blocks until every update issued before it is on disk.
package metadatastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Metadata is the durable (current_term, voted_for) pair.
type Metadata struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

type syncRequest struct {
	done chan struct{}
}

// Store is the durable home of the metadata pair.
type Store struct {
	path string
	log  zerolog.Logger

	mu       sync.Mutex
	cache    Metadata
	dirty    bool
	writeErr error

	syncCh chan syncRequest
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open loads metadata.json from dir if present (otherwise starts at the zero
// value) and starts the background writer.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	path := filepath.Join(dir, "metadata.json")
	s := &Store{
		path:   path,
		log:    log.With().Str("component", "metadatastore").Logger(),
		syncCh: make(chan syncRequest, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.cache); err != nil {
			return nil, fmt.Errorf("metadatastore: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Zero-value metadata; a node with no durable state starts fresh.
	default:
		return nil, fmt.Errorf("metadatastore: read %s: %w", path, err)
	}

	go s.writerLoop()
	return s, nil
}

// Get returns the current in-memory metadata. It never blocks on disk.
func (s *Store) Get() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// UpdateCurrentTerm advances current_term and, per the Raft metadata
// invariant, resets voted_for whenever the term actually changes.
func (s *Store) UpdateCurrentTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term == s.cache.CurrentTerm {
		return
	}
	s.cache.CurrentTerm = term
	s.cache.VotedFor = ""
	s.dirty = true
}

// UpdateVotedFor records the candidate voted for in the current term.
func (s *Store) UpdateVotedFor(candidateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.VotedFor == candidateID {
		return
	}
	s.cache.VotedFor = candidateID
	s.dirty = true
}

// Sync blocks until every update issued before this call is durable on
// disk. Concurrent Sync calls that arrive while a write is in flight are
// coalesced into the writer's next pass.
func (s *Store) Sync() error {
	req := syncRequest{done: make(chan struct{})}
	select {
	case s.syncCh <- req:
	case <-s.doneCh:
		return fmt.Errorf("metadatastore: store closed")
	}
	<-req.done
	return s.lastErr()
}

func (s *Store) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}

// writerLoop is the sole goroutine that ever touches disk. It wakes on
// every Sync request, flushes the cache if dirty, and replies to every
// requester whose request arrived before the flush started, so a burst of
// concurrent Sync calls collapses into a single write.
func (s *Store) writerLoop() {
	defer close(s.doneCh)
	var pending []syncRequest
	for {
		select {
		case req := <-s.syncCh:
			pending = append(pending, req)
			// Drain any further requests already queued so one flush
			// satisfies the whole burst.
			draining := true
			for draining {
				select {
				case more := <-s.syncCh:
					pending = append(pending, more)
				default:
					draining = false
				}
			}
			s.flush()
			for _, p := range pending {
				close(p.done)
			}
			pending = nil
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := s.cache
	s.mu.Unlock()

	err := writeFileAtomic(s.path, snapshot)

	s.mu.Lock()
	s.writeErr = err
	if err == nil {
		s.dirty = false
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("metadata flush failed")
	}
}

func writeFileAtomic(path string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("metadatastore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("metadatastore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("metadatastore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metadatastore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metadatastore: rename: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

// Close flushes any pending write and stops the background writer.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.lastErr()
}
