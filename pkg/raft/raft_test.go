package raft

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumdb/raft/pkg/logging"
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/metadatastore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/statemachine"
	"github.com/quorumdb/raft/pkg/transport"
)

// newTestNode builds a Node against a fresh temp directory, with no
// goroutines started: tests drive the command handlers directly and inspect
// n.ns, matching the actor's single-goroutine ownership rule.
func newTestNode(t *testing.T, id string, peers []raftconfig.ServerInfo) *Node {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(logging.Config{Level: logging.ErrorLevel, Output: io.Discard})

	meta, err := metadatastore.Open(dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	log, err := logstore.Open(dir)
	require.NoError(t, err)

	snaps, err := snapshotstore.Open(dir)
	require.NoError(t, err)

	n, err := New(DefaultConfig(id, peers), Deps{
		Metadata:     meta,
		Log:          log,
		Snapshots:    snaps,
		StateMachine: statemachine.NewKVStore(),
		Transport:    transport.NewLocalTransport(),
		Logger:       logger,
	})
	require.NoError(t, err)
	return n
}

func threeServers() []raftconfig.ServerInfo {
	return []raftconfig.ServerInfo{
		{ID: "n1", Address: "n1", Voting: true},
		{ID: "n2", Address: "n2", Voting: true},
		{ID: "n3", Address: "n3", Voting: true},
	}
}

func TestHandleRequestVote_StaleTermRejected(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.metadata.UpdateCurrentTerm(5)
	require.NoError(t, n.metadata.Sync())

	reply := n.handleRequestVote(&transport.RequestVoteArgs{
		Term: 3, CandidateID: "n2", LastLogIndex: 0, LastLogTerm: 0,
	})

	require.False(t, reply.VoteGranted)
	require.Equal(t, uint64(5), reply.Term)
}

func TestHandleRequestVote_GrantsOncePerTerm(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())

	first := n.handleRequestVote(&transport.RequestVoteArgs{Term: 1, CandidateID: "n2"})
	require.True(t, first.VoteGranted)

	second := n.handleRequestVote(&transport.RequestVoteArgs{Term: 1, CandidateID: "n3"})
	require.False(t, second.VoteGranted, "a node must not grant two votes in the same term")

	// The same candidate asking again in the same term is a no-op grant,
	// not a rejection (duplicate/retried RPC).
	again := n.handleRequestVote(&transport.RequestVoteArgs{Term: 1, CandidateID: "n2"})
	require.True(t, again.VoteGranted)
}

func TestHandleRequestVote_LogUpToDateCheck(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.logStore.AppendData(3, logstore.DataEntry, [][]byte{[]byte("x")})

	stale := n.handleRequestVote(&transport.RequestVoteArgs{
		Term: 4, CandidateID: "n2", LastLogIndex: 1, LastLogTerm: 2,
	})
	require.False(t, stale.VoteGranted, "candidate with an older last log term must be rejected")

	current := n.handleRequestVote(&transport.RequestVoteArgs{
		Term: 4, CandidateID: "n2", LastLogIndex: 1, LastLogTerm: 3,
	})
	require.True(t, current.VoteGranted)
}

func TestStartElection_NonMemberDoesNotCampaign(t *testing.T) {
	// A server outside the effective configuration (e.g. freshly added and
	// still waiting for the leader's log, or bootstrapped with no peers at
	// all) must stay a passive follower rather than electing itself.
	outsider := newTestNode(t, "outsider", threeServers())
	outsider.startElection()
	require.Equal(t, Follower, outsider.ns.state)
	require.Equal(t, uint64(0), outsider.metadata.Get().CurrentTerm)

	empty := newTestNode(t, "n1", nil)
	empty.startElection()
	require.Equal(t, Follower, empty.ns.state)
	require.Equal(t, uint64(0), empty.metadata.Get().CurrentTerm)
}

func TestHandleAppendEntries_StaleTermRejected(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.metadata.UpdateCurrentTerm(5)
	require.NoError(t, n.metadata.Sync())

	reply := n.handleAppendEntries(&transport.AppendEntriesArgs{Term: 2, LeaderID: "n2"})
	require.False(t, reply.Success)
	require.Equal(t, uint64(5), reply.Term)
}

func TestHandleAppendEntries_StepsDownOnHigherTerm(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.ns.state = Candidate
	n.metadata.UpdateCurrentTerm(2)
	require.NoError(t, n.metadata.Sync())

	reply := n.handleAppendEntries(&transport.AppendEntriesArgs{Term: 9, LeaderID: "n2"})
	require.True(t, reply.Success)
	require.Equal(t, Follower, n.ns.state)
	require.Equal(t, "n2", n.ns.leaderID)
	require.Equal(t, uint64(9), n.metadata.Get().CurrentTerm)
}

func TestHandleAppendEntries_ConsistencyCheckConflict(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.logStore.AppendData(1, logstore.DataEntry, [][]byte{[]byte("a")})

	reply := n.handleAppendEntries(&transport.AppendEntriesArgs{
		Term: 1, LeaderID: "n2", PrevLogIndex: 1, PrevLogTerm: 2,
	})
	require.False(t, reply.Success)
	require.Equal(t, uint64(1), reply.ConflictTerm)
	require.Equal(t, uint64(1), reply.ConflictIndex)
}

func TestReconcileEntries_TruncatesConflictingSuffix(t *testing.T) {
	// Scenario: a former leader of term 2 appended entries 5 and 6 locally
	// but crashed before replicating them. A new leader of term 3 committed
	// different entries at 5 and 6. On restart, the old entries must be
	// discarded and replaced by whatever the current leader sends.
	n := newTestNode(t, "n1", threeServers())
	for i := uint64(1); i <= 4; i++ {
		n.logStore.AppendData(1, logstore.DataEntry, [][]byte{[]byte("base")})
	}
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("stale-5")})
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("stale-6")})
	require.NoError(t, n.logStore.Persist())

	reply := n.handleAppendEntries(&transport.AppendEntriesArgs{
		Term:         3,
		LeaderID:     "n2",
		PrevLogIndex: 4,
		PrevLogTerm:  1,
		Entries: []logstore.Entry{
			{Index: 5, Term: 3, Type: logstore.DataEntry, Payload: []byte("new-5")},
			{Index: 6, Term: 3, Type: logstore.DataEntry, Payload: []byte("new-6")},
		},
	})
	require.True(t, reply.Success)

	e5, ok := n.logStore.Entry(5)
	require.True(t, ok)
	require.Equal(t, uint64(3), e5.Term)
	require.Equal(t, []byte("new-5"), e5.Payload)

	e6, ok := n.logStore.Entry(6)
	require.True(t, ok)
	require.Equal(t, uint64(3), e6.Term)
	require.Equal(t, []byte("new-6"), e6.Payload)

	require.Equal(t, uint64(6), n.lastLogIndex())
}

func TestReconcileEntries_RefusesToTruncateCommittedEntries(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.logStore.AppendData(1, logstore.DataEntry, [][]byte{[]byte("a")})
	n.logStore.AppendData(1, logstore.DataEntry, [][]byte{[]byte("b")})
	n.commitIndex.Store(2)

	err := n.reconcileEntries([]logstore.Entry{
		{Index: 2, Term: 9, Type: logstore.DataEntry, Payload: []byte("conflict")},
	})
	require.ErrorIs(t, err, logstore.ErrTruncateCommitted)
}

func TestConflictHint_FastBacktrack(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.logStore.AppendData(1, logstore.DataEntry, [][]byte{[]byte("a")})
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("b")})
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("c")})
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("d")})

	index, term := n.conflictHint(4)
	require.Equal(t, uint64(2), index, "hint should point at the first index of the conflicting term")
	require.Equal(t, uint64(2), term)

	index, term = n.conflictHint(10)
	require.Equal(t, n.lastLogIndex()+1, index, "a prevLogIndex past the local log should hint at lastIndex+1")
	require.Equal(t, uint64(0), term)
}

func TestTryAdvanceCommitIndex_CurrentTermRule(t *testing.T) {
	n := newTestNode(t, "n1", threeServers())
	n.ns.state = Leader
	n.peers.Sync(n.ns.effectiveConfig, 0)

	// Entry 1 is from a prior term (2); entry 2 is from the current term (3).
	n.logStore.AppendData(2, logstore.DataEntry, [][]byte{[]byte("old-term")})
	n.logStore.AppendData(3, logstore.DataEntry, [][]byte{[]byte("cur-term")})
	n.metadata.UpdateCurrentTerm(3)
	require.NoError(t, n.metadata.Sync())

	// n2 replicates only up through index 1 so far: a quorum (self + n2)
	// exists at index 1, but it must NOT commit because index 1 belongs to
	// a prior term.
	n.peers.OnAppendSuccess("n2", 1)
	n.tryAdvanceCommitIndex()
	require.Equal(t, uint64(0), n.commitIndex.Load(), "a prior-term index must not be directly committed")

	// Once a quorum also covers index 2 (this node's current term entry),
	// both 1 and 2 become committed transitively.
	n.peers.OnAppendSuccess("n2", 2)
	n.tryAdvanceCommitIndex()
	require.Equal(t, uint64(2), n.commitIndex.Load())
}

func TestStoreIfGreaterMonotonic(t *testing.T) {
	var v atomic.Uint64
	var wg sync.WaitGroup
	for _, val := range []uint64{5, 3, 9, 1, 7, 2, 9, 4} {
		wg.Add(1)
		go func(val uint64) {
			defer wg.Done()
			storeIfGreater(&v, val)
		}(val)
	}
	wg.Wait()
	require.Equal(t, uint64(9), v.Load())

	storeIfGreater(&v, 6)
	require.Equal(t, uint64(9), v.Load(), "a lesser value must never regress the counter")
}
