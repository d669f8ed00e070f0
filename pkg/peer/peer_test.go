package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumdb/raft/pkg/raftconfig"
)

func servers(ids ...string) []raftconfig.ServerInfo {
	out := make([]raftconfig.ServerInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, raftconfig.ServerInfo{ID: id, Address: id, Voting: true})
	}
	return out
}

func TestResetForNewLeaderAndSuccess(t *testing.T) {
	m := New("1")
	cfg := raftconfig.Stable(servers("1", "2", "3"))
	m.Sync(cfg, 10)
	m.ResetForNewLeader(10)

	p, ok := m.Get("2")
	require.True(t, ok)
	require.Equal(t, uint64(11), p.NextIndex)
	require.Equal(t, uint64(0), p.MatchIndex)

	m.OnAppendSuccess("2", 11)
	p, _ = m.Get("2")
	require.Equal(t, uint64(11), p.MatchIndex)
	require.Equal(t, uint64(12), p.NextIndex)

	// A stale (smaller) success must never regress match index.
	m.OnAppendSuccess("2", 5)
	p, _ = m.Get("2")
	require.Equal(t, uint64(11), p.MatchIndex)
}

func TestOnAppendFailureBacktracksOrJumps(t *testing.T) {
	m := New("1")
	cfg := raftconfig.Stable(servers("1", "2"))
	m.Sync(cfg, 10)

	m.OnAppendFailure("2", 0)
	p, _ := m.Get("2")
	require.Equal(t, uint64(10), p.NextIndex)

	m.OnAppendFailure("2", 3)
	p, _ = m.Get("2")
	require.Equal(t, uint64(3), p.NextIndex)

	m.OnAppendFailure("2", 0)
	p, _ = m.Get("2")
	require.Equal(t, uint64(2), p.NextIndex)
}

func TestQuorumCommitIndexStable(t *testing.T) {
	m := New("1")
	cfg := raftconfig.Stable(servers("1", "2", "3", "4", "5"))
	m.Sync(cfg, 100)
	m.ResetForNewLeader(100)

	m.OnAppendSuccess("2", 100)
	m.OnAppendSuccess("3", 100)
	// only self(100),2(100),3(100) >= 100; 4 and 5 still at 0.
	require.Equal(t, uint64(100), m.QuorumCommitIndex(cfg, 100))

	m.OnAppendSuccess("4", 50)
	// matches: self 100, 2:100, 3:100, 4:50, 5:0 -> sorted [0,50,100,100,100], median idx (5-1)/2=2 -> 100
	require.Equal(t, uint64(100), m.QuorumCommitIndex(cfg, 100))
}

func TestQuorumCommitIndexJointRequiresBoth(t *testing.T) {
	m := New("1")
	cfg := raftconfig.Config{
		OldServers: servers("1", "2", "3"),
		NewServers: servers("1", "2", "3", "4", "5"),
	}
	m.Sync(cfg, 100)
	m.ResetForNewLeader(100)

	m.OnAppendSuccess("2", 100)
	m.OnAppendSuccess("3", 100)
	// old half: self,2,3 all at 100 -> quorum index 100.
	// new half: self,2,3 at 100, 4,5 at 0 -> sorted [0,0,100,100,100], median idx 2 -> 100.
	require.Equal(t, uint64(100), m.QuorumCommitIndex(cfg, 100))

	// Now advance only within new-only members; old half caps it.
	m2 := New("1")
	cfg2 := raftconfig.Config{
		OldServers: servers("1", "2", "3"),
		NewServers: servers("4", "5", "6"),
	}
	m2.Sync(cfg2, 100)
	m2.ResetForNewLeader(100)
	m2.OnAppendSuccess("4", 100)
	m2.OnAppendSuccess("5", 100)
	m2.OnAppendSuccess("6", 100)
	m2.OnAppendSuccess("2", 0)
	m2.OnAppendSuccess("3", 0)
	// old half: self=100, 2=0, 3=0 -> sorted [0,0,100] median idx1 -> 0.
	// new half: 4,5,6 at 100 (self not a member of new half) -> sorted [100,100,100] idx1 -> 100.
	require.Equal(t, uint64(0), m2.QuorumCommitIndex(cfg2, 100))
}

func TestVotesAndSyncDropsRemovedMembers(t *testing.T) {
	m := New("1")
	cfg := raftconfig.Stable(servers("1", "2", "3"))
	m.Sync(cfg, 0)
	m.ResetVotes()
	m.RecordVote("2", true)
	m.RecordVote("3", false)

	granted := m.GrantedIDs()
	require.True(t, granted["2"])
	require.False(t, granted["3"])

	cfg2 := raftconfig.Stable(servers("1", "2"))
	m.Sync(cfg2, 0)
	_, ok := m.Get("3")
	require.False(t, ok)
}
