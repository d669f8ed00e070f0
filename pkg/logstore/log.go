// Package logstore implements the replicated log: an ordered, 1-based,
// contiguous sequence of entries with a durable on-disk representation and
// support for both prefix truncation (after a snapshot) and suffix
// truncation (on a conflicting append).
package logstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EntryType distinguishes the three kinds of log entry the core cares about.
type EntryType int

const (
	// DataEntry carries an application command, delivered to the user state
	// machine's apply hook.
	DataEntry EntryType = iota
	// ConfigurationEntry carries a gob-encoded raftconfig.Config.
	ConfigurationEntry
	// NoopEntry is the entry every new leader appends at its own term, so
	// commit advancement is never blocked on a prior-term entry.
	NoopEntry
)

func (t EntryType) String() string {
	switch t {
	case DataEntry:
		return "DATA"
	case ConfigurationEntry:
		return "CONFIGURATION"
	case NoopEntry:
		return "NOOP"
	default:
		return "UNKNOWN"
	}
}

// Entry is a single record in the replicated log.
type Entry struct {
	Term    uint64
	Index   uint64
	Type    EntryType
	Payload []byte
}

// onDiskLog is the gob-encoded shape of raft.log.
type onDiskLog struct {
	StartIndex uint64
	Entries    []Entry
}

// Log is the replicated log's durable store. All mutation
// methods are intended to be called only from the single-actor goroutine
// that owns a Raft node's consensus state; the mutex here guards Entry/
// EntriesFrom/LastIndex/LastTerm readers that may be called from outbound
// RPC subtasks concurrently with the actor.
type Log struct {
	mu sync.RWMutex

	path       string
	startIndex uint64 // first index NOT covered by a snapshot
	entries    []Entry
}

// Open loads raft.log from dir if present, otherwise starts empty with
// startIndex = 1 (no snapshot yet).
func Open(dir string) (*Log, error) {
	path := filepath.Join(dir, "raft.log")
	l := &Log{path: path, startIndex: 1}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var onDisk onDiskLog
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&onDisk); err != nil {
			return nil, fmt.Errorf("logstore: decode %s: %w", path, err)
		}
		l.startIndex = onDisk.StartIndex
		l.entries = onDisk.Entries
	case os.IsNotExist(err):
		// Empty log; a node with no durable state starts fresh.
	default:
		return nil, fmt.Errorf("logstore: read %s: %w", path, err)
	}
	return l, nil
}

// StartIndex returns the first index not covered by a snapshot.
func (l *Log) StartIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startIndex
}

// LastIndex returns the index of the last materialized entry, falling back
// to snapshotLastIndex when the materialized range is empty.
func (l *Log) LastIndex(snapshotLastIndex uint64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return snapshotLastIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last materialized entry, falling back to
// snapshotLastTerm when the materialized range is empty.
func (l *Log) LastTerm(snapshotLastIndex, snapshotLastTerm uint64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return snapshotLastTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Entry returns the materialized entry at index, if present.
func (l *Log) Entry(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryLocked(index)
}

func (l *Log) entryLocked(index uint64) (Entry, bool) {
	if len(l.entries) == 0 || index < l.startIndex {
		return Entry{}, false
	}
	pos := index - l.startIndex
	if pos >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[pos], true
}

// EntriesFrom returns a suffix of the materialized log starting at index,
// bounded by maxBytes of payload (a budget of 0 means unbounded).
func (l *Log) EntriesFrom(index uint64, maxBytes int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 || index < l.startIndex {
		return nil
	}
	pos := index - l.startIndex
	if pos >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, 0, len(l.entries)-int(pos))
	budget := 0
	for _, e := range l.entries[pos:] {
		if maxBytes > 0 && len(out) > 0 && budget+len(e.Payload) > maxBytes {
			break
		}
		out = append(out, e)
		budget += len(e.Payload)
	}
	return out
}

// AppendData appends one entry per payload at the given term, starting
// immediately after the current last materialized index, and returns the
// assigned indices. Callers must invoke Persist to make the append durable.
func (l *Log) AppendData(term uint64, typ EntryType, payloads [][]byte) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.startIndex
	if len(l.entries) > 0 {
		next = l.entries[len(l.entries)-1].Index + 1
	}
	indices := make([]uint64, 0, len(payloads))
	for _, p := range payloads {
		l.entries = append(l.entries, Entry{Term: term, Index: next, Type: typ, Payload: p})
		indices = append(indices, next)
		next++
	}
	return indices
}

// AppendRaw appends entries received verbatim from a leader's AppendEntries
// RPC. It is rejected if it would create a gap in the index sequence.
func (l *Log) AppendRaw(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	expected := l.startIndex
	if len(l.entries) > 0 {
		expected = l.entries[len(l.entries)-1].Index + 1
	}
	if entries[0].Index != expected {
		return fmt.Errorf("logstore: %w: expected index %d, got %d", ErrGap, expected, entries[0].Index)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("logstore: %w: entries not contiguous at %d", ErrGap, entries[i].Index)
		}
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// TruncateSuffixFrom drops every materialized entry at index and beyond. It
// is a protocol violation (and thus fatal) to truncate a committed
// entry; callers must check that themselves, but this is double-checked
// here as a hard assertion.
func (l *Log) TruncateSuffixFrom(index uint64, commitIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= commitIndex {
		return fmt.Errorf("logstore: %w: index %d <= commit index %d", ErrTruncateCommitted, index, commitIndex)
	}
	if len(l.entries) == 0 || index < l.startIndex {
		return nil
	}
	pos := index - l.startIndex
	if pos >= uint64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:pos]
	return nil
}

// TruncatePrefixThrough drops every materialized entry at index and before,
// advancing startIndex to index+1. Used after a snapshot compacts the log.
func (l *Log) TruncatePrefixThrough(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.startIndex-1 {
		// Nothing new to compact.
		return nil
	}
	if len(l.entries) == 0 {
		l.startIndex = index + 1
		return nil
	}
	pos := index - l.startIndex + 1
	if pos > uint64(len(l.entries)) {
		pos = uint64(len(l.entries))
	}
	l.entries = l.entries[pos:]
	l.startIndex = index + 1
	return nil
}

// Persist atomically rewrites raft.log so that the on-disk image contains
// exactly the current materialized entries: a full rewrite on
// every mutation, trading write amplification for implementation clarity.
func (l *Log) Persist() error {
	l.mu.RLock()
	onDisk := onDiskLog{StartIndex: l.startIndex, Entries: l.entries}
	l.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(onDisk); err != nil {
		return fmt.Errorf("logstore: encode: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".raftlog-*.tmp")
	if err != nil {
		return fmt.Errorf("logstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("logstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("logstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("logstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("logstore: rename: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}
