// Package snapshotstore implements the snapshot subsystem's persistence
// layer: durable metadata+payload files, and the chunked read/write API
// used to stream a snapshot to (or install one from) a lagging peer.
package snapshotstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes the two chunk streams InstallSnapshot carries.
type Kind int

const (
	// Metadata carries the (last_included_index, last_included_term,
	// config) triple.
	Metadata Kind = iota
	// Payload carries the application-opaque state machine bytes.
	Payload
)

// Meta is the persisted snapshot metadata.
type Meta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Config            []byte // gob-encoded raftconfig.Config
}

const (
	metadataFileName = "snapshot.metadata"
	payloadFileName  = "snapshot.payload"
)

// install tracks one in-flight inbound InstallSnapshot stream.
type install struct {
	handle            string
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	metaTmp, dataTmp  *os.File
	metaDone, dataDone bool
}

// Store owns the snapshot metadata and payload files for one node, plus
// any in-flight inbound install stream.
type Store struct {
	dir string

	mu      sync.Mutex
	current *install
}

// Open returns a store rooted at dir. It does not itself read
// snapshot.metadata eagerly; call LatestMetadata for that.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshotstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) metadataPath() string { return filepath.Join(s.dir, metadataFileName) }
func (s *Store) payloadPath() string  { return filepath.Join(s.dir, payloadFileName) }

// LatestMetadata reads the currently installed snapshot's metadata, if any.
func (s *Store) LatestMetadata() (Meta, bool, error) {
	data, err := os.ReadFile(s.metadataPath())
	if os.IsNotExist(err) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("snapshotstore: read metadata: %w", err)
	}
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Meta{}, false, fmt.Errorf("snapshotstore: decode metadata: %w", err)
	}
	return m, true, nil
}

// PayloadPath returns the path a state machine's take_snapshot hook should
// write its serialized state to. The caller is expected to write it as a
// single synchronous call, then invoke TakeMetadata to move both files into
// place, each by its own rename (the pair is not replaced in one step).
func (s *Store) PayloadPath() string {
	return filepath.Join(s.dir, ".snapshot-payload-new")
}

// InstalledPayloadPath returns the path of the currently installed snapshot
// payload, for a state machine's restore_snapshot hook to read from.
func (s *Store) InstalledPayloadPath() string {
	return s.payloadPath()
}

// TakeMetadata commits a snapshot taken locally (as opposed to one streamed
// in from a peer): the caller must already have written the new payload to
// PayloadPath(); this renames it into place alongside a freshly written
// metadata file, both via write-temp-then-rename.
func (s *Store) TakeMetadata(lastIncludedIndex, lastIncludedTerm uint64, config []byte) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Meta{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Config:            config,
	}); err != nil {
		return fmt.Errorf("snapshotstore: encode metadata: %w", err)
	}

	metaTmp, err := writeTemp(s.dir, ".snapshot-metadata-*.tmp", buf.Bytes())
	if err != nil {
		return err
	}
	if err := os.Rename(metaTmp, s.metadataPath()); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("snapshotstore: rename metadata: %w", err)
	}
	if err := os.Rename(s.PayloadPath(), s.payloadPath()); err != nil {
		return fmt.Errorf("snapshotstore: rename payload: %w", err)
	}
	syncDir(s.dir)
	return nil
}

// BeginInstall starts (or resumes) an inbound InstallSnapshot stream for
// the given (last_included_index, last_included_term). A mismatched pair
// already in progress is aborted and its temp files removed, so partial
// installs from abandoned streams never accumulate.
func (s *Store) BeginInstall(lastIncludedIndex, lastIncludedTerm uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if s.current.lastIncludedIndex == lastIncludedIndex && s.current.lastIncludedTerm == lastIncludedTerm {
			return s.current.handle, nil
		}
		s.abortLocked()
	}

	metaTmp, err := os.CreateTemp(s.dir, ".install-meta-*.tmp")
	if err != nil {
		return "", fmt.Errorf("snapshotstore: create meta temp: %w", err)
	}
	dataTmp, err := os.CreateTemp(s.dir, ".install-data-*.tmp")
	if err != nil {
		metaTmp.Close()
		os.Remove(metaTmp.Name())
		return "", fmt.Errorf("snapshotstore: create data temp: %w", err)
	}

	s.current = &install{
		handle:            uuid.NewString(),
		lastIncludedIndex: lastIncludedIndex,
		lastIncludedTerm:  lastIncludedTerm,
		metaTmp:           metaTmp,
		dataTmp:           dataTmp,
	}
	return s.current.handle, nil
}

func (s *Store) abortLocked() {
	if s.current == nil {
		return
	}
	if s.current.metaTmp != nil {
		s.current.metaTmp.Close()
		os.Remove(s.current.metaTmp.Name())
	}
	if s.current.dataTmp != nil {
		s.current.dataTmp.Close()
		os.Remove(s.current.dataTmp.Name())
	}
	s.current = nil
}

// AbortInstall discards the named in-flight install, e.g. when a strictly
// newer InstallSnapshot supersedes it.
func (s *Store) AbortInstall(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.handle == handle {
		s.abortLocked()
	}
}

// WriteChunk appends bytes to the named kind's temp file for handle. offset
// must equal the number of bytes already written for that kind (chunks
// from a single sender arrive in order).
func (s *Store) WriteChunk(handle string, kind Kind, offset uint64, data []byte, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.handle != handle {
		return fmt.Errorf("snapshotstore: %w: %s", ErrNoSuchInstall, handle)
	}
	f := s.current.dataTmp
	if kind == Metadata {
		f = s.current.metaTmp
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("snapshotstore: stat temp: %w", err)
	}
	if uint64(info.Size()) != offset {
		return fmt.Errorf("snapshotstore: %w: have %d, chunk starts at %d", ErrChunkOffsetMismatch, info.Size(), offset)
	}
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("snapshotstore: write chunk: %w", err)
		}
	}
	if kind == Metadata {
		s.current.metaDone = done
	} else {
		s.current.dataDone = done
	}
	return nil
}

// Finalize installs the completed temp files in place once both the
// metadata and payload streams have delivered their final chunk.
func (s *Store) Finalize(handle string) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.handle != handle {
		return Meta{}, fmt.Errorf("snapshotstore: %w: %s", ErrNoSuchInstall, handle)
	}
	if !s.current.metaDone || !s.current.dataDone {
		return Meta{}, fmt.Errorf("snapshotstore: install %s not yet complete", handle)
	}

	metaTmp, dataTmp := s.current.metaTmp, s.current.dataTmp
	metaTmpName, dataTmpName := metaTmp.Name(), dataTmp.Name()
	metaTmp.Sync()
	dataTmp.Sync()
	metaTmp.Close()
	dataTmp.Close()

	metaBytes, err := os.ReadFile(metaTmpName)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: reread metadata temp: %w", err)
	}
	var meta Meta
	if err := gob.NewDecoder(bytes.NewReader(metaBytes)).Decode(&meta); err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: decode installed metadata: %w", err)
	}

	if err := os.Rename(metaTmpName, s.metadataPath()); err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: rename metadata: %w", err)
	}
	if err := os.Rename(dataTmpName, s.payloadPath()); err != nil {
		return Meta{}, fmt.Errorf("snapshotstore: rename payload: %w", err)
	}
	syncDir(s.dir)
	s.current = nil
	return meta, nil
}

// ReadChunk serves the outbound direction: reading the currently installed
// snapshot.metadata or snapshot.payload file starting at offset, up to
// maxBytes, reporting whether this was the final chunk.
func (s *Store) ReadChunk(kind Kind, offset uint64, maxBytes int) ([]byte, bool, error) {
	path := s.metadataPath()
	if kind == Payload {
		path = s.payloadPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("snapshotstore: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("snapshotstore: seek: %w", err)
	}
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, false, fmt.Errorf("snapshotstore: read: %w", err)
	}
	chunk := buf[:n]

	// Determine whether we're at EOF by checking if there's more data.
	var probe [1]byte
	_, peekErr := f.Read(probe[:])
	done := peekErr == io.EOF
	return chunk, done, nil
}

func writeTemp(dir, pattern string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("snapshotstore: create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("snapshotstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("snapshotstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("snapshotstore: close temp: %w", err)
	}
	return name, nil
}

func syncDir(dir string) {
	if f, err := os.Open(dir); err == nil {
		_ = f.Sync()
		f.Close()
	}
}
