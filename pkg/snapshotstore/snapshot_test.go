package snapshotstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.PayloadPath(), []byte("state-bytes"), 0o644))
	require.NoError(t, s.TakeMetadata(42, 3, []byte("cfg")))

	meta, ok, err := s.LatestMetadata()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), meta.LastIncludedIndex)
	require.Equal(t, uint64(3), meta.LastIncludedTerm)
	require.Equal(t, []byte("cfg"), meta.Config)

	data, done, err := s.ReadChunk(Payload, 0, 1024)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte("state-bytes"), data)
}

func TestChunkedInstallLifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	handle, err := s.BeginInstall(10, 2)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	metaBytes := encodeMetaForTest(t, 10, 2, []byte("cfg"))
	require.NoError(t, s.WriteChunk(handle, Metadata, 0, metaBytes, true))

	require.NoError(t, s.WriteChunk(handle, Payload, 0, []byte("hello "), false))
	require.NoError(t, s.WriteChunk(handle, Payload, 6, []byte("world"), true))

	meta, err := s.Finalize(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(10), meta.LastIncludedIndex)

	data, done, err := s.ReadChunk(Payload, 0, 1024)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte("hello world"), data)
}

func TestBeginInstallSupersedesMismatchedInFlight(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	h1, err := s.BeginInstall(10, 2)
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(h1, Payload, 0, []byte("stale"), false))

	h2, err := s.BeginInstall(20, 3)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// The old handle is gone.
	err = s.WriteChunk(h1, Payload, 5, []byte("more"), true)
	require.ErrorIs(t, err, ErrNoSuchInstall)
}

func TestWriteChunkRejectsOffsetMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	handle, err := s.BeginInstall(1, 1)
	require.NoError(t, err)

	err = s.WriteChunk(handle, Payload, 5, []byte("x"), false)
	require.ErrorIs(t, err, ErrChunkOffsetMismatch)
}

func encodeMetaForTest(t *testing.T, lastIndex, lastTerm uint64, cfg []byte) []byte {
	t.Helper()
	dir := t.TempDir()
	tmp, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp.PayloadPath(), []byte("x"), 0o644))
	require.NoError(t, tmp.TakeMetadata(lastIndex, lastTerm, cfg))
	data, err := os.ReadFile(tmp.metadataPath())
	require.NoError(t, err)
	return data
}
