package logstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendDataAssignsContiguousIndices(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	indices := l.AppendData(1, DataEntry, [][]byte{[]byte("a"), []byte("b")})
	require.Equal(t, []uint64{1, 2}, indices)
	require.Equal(t, uint64(2), l.LastIndex(0))
	require.Equal(t, uint64(1), l.LastTerm(0, 0))
}

func TestAppendRawRejectsGap(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	err = l.AppendRaw([]Entry{{Term: 1, Index: 2, Type: DataEntry}})
	require.ErrorIs(t, err, ErrGap)

	require.NoError(t, l.AppendRaw([]Entry{{Term: 1, Index: 1, Type: DataEntry}}))
	require.Equal(t, uint64(1), l.LastIndex(0))
}

func TestTruncateSuffixRejectsCommitted(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.AppendData(1, DataEntry, [][]byte{[]byte("a"), []byte("b"), []byte("c")})

	err = l.TruncateSuffixFrom(2, 2)
	require.ErrorIs(t, err, ErrTruncateCommitted)

	require.NoError(t, l.TruncateSuffixFrom(2, 1))
	require.Equal(t, uint64(1), l.LastIndex(0))
}

func TestTruncatePrefixAdvancesStartIndex(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.AppendData(1, DataEntry, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, l.TruncatePrefixThrough(2))

	require.Equal(t, uint64(3), l.StartIndex())
	_, ok := l.Entry(2)
	require.False(t, ok)
	e, ok := l.Entry(3)
	require.True(t, ok)
	require.Equal(t, []byte("c"), e.Payload)
}

func TestTruncatePrefixThroughEntireLog(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.AppendData(1, DataEntry, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, l.TruncatePrefixThrough(2))

	require.Equal(t, uint64(3), l.StartIndex())
	require.Equal(t, uint64(2), l.LastIndex(2)) // falls back to snapshot index
	require.Empty(t, l.EntriesFrom(1, 0))
}

func TestPersistAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.AppendData(1, DataEntry, [][]byte{[]byte("a")})
	l.AppendData(2, ConfigurationEntry, [][]byte{[]byte("cfg")})
	require.NoError(t, l.Persist())

	reopened, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(2), reopened.LastIndex(0))
	e, ok := reopened.Entry(2)
	require.True(t, ok)
	require.Equal(t, ConfigurationEntry, e.Type)
	require.Equal(t, []byte("cfg"), e.Payload)
}

func TestEntriesFromRespectsByteBudget(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.AppendData(1, DataEntry, [][]byte{
		make([]byte, 10), make([]byte, 10), make([]byte, 10),
	})

	// Budget allows the first entry regardless (never return zero entries
	// just because the very first one exceeds the budget), then stops.
	out := l.EntriesFrom(1, 15)
	require.Len(t, out, 1)

	out = l.EntriesFrom(1, 25)
	require.Len(t, out, 2)
}
