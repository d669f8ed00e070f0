// Package peer tracks per-follower replication progress and computes
// quorum-commit advancement, including under joint consensus.
package peer

import (
	"sort"

	"github.com/quorumdb/raft/pkg/raftconfig"
)

// Progress is the volatile leader-side state for one follower.
type Progress struct {
	NextIndex    uint64
	MatchIndex   uint64
	VoteGranted  bool
	VoteResponse bool // whether a vote response has been received this election
}

// Manager owns a Progress record per non-self server in the effective
// configuration. It is rebuilt whenever the effective configuration changes
// (see pkg/raft's optimistic config application) and reset wholesale when a
// node becomes leader or starts a new election.
type Manager struct {
	selfID string
	peers  map[string]*Progress
}

// New creates an empty manager for selfID.
func New(selfID string) *Manager {
	return &Manager{selfID: selfID, peers: make(map[string]*Progress)}
}

// Sync ensures exactly one Progress record exists per non-self member of cfg,
// preserving existing progress for members that survive and dropping members
// that are no longer present. leaderLastIndex seeds NextIndex for any newly
// added member.
func (m *Manager) Sync(cfg raftconfig.Config, leaderLastIndex uint64) {
	want := make(map[string]bool)
	for _, s := range cfg.Members() {
		if s.ID == m.selfID {
			continue
		}
		want[s.ID] = true
		if _, ok := m.peers[s.ID]; !ok {
			m.peers[s.ID] = &Progress{NextIndex: leaderLastIndex + 1}
		}
	}
	for id := range m.peers {
		if !want[id] {
			delete(m.peers, id)
		}
	}
}

// ResetForNewLeader reinitializes every peer's replication progress, as
// required on becoming leader: NextIndex to one past the leader's last
// index, MatchIndex to zero.
func (m *Manager) ResetForNewLeader(leaderLastIndex uint64) {
	for _, p := range m.peers {
		p.NextIndex = leaderLastIndex + 1
		p.MatchIndex = 0
	}
}

// ResetVotes clears the election-scoped vote bookkeeping for a new election.
func (m *Manager) ResetVotes() {
	for _, p := range m.peers {
		p.VoteGranted = false
		p.VoteResponse = false
	}
}

// RecordVote records a peer's RequestVote response.
func (m *Manager) RecordVote(peerID string, granted bool) {
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.VoteResponse = true
	p.VoteGranted = granted
}

// GrantedIDs returns the set of peers that granted a vote this election.
func (m *Manager) GrantedIDs() map[string]bool {
	out := make(map[string]bool)
	for id, p := range m.peers {
		if p.VoteGranted {
			out[id] = true
		}
	}
	return out
}

// OnAppendSuccess folds a successful AppendEntries response into peer
// progress: match index only ever advances, next index follows it.
func (m *Manager) OnAppendSuccess(peerID string, newMatchIndex uint64) {
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	if newMatchIndex > p.MatchIndex {
		p.MatchIndex = newMatchIndex
	}
	if p.MatchIndex+1 > p.NextIndex {
		p.NextIndex = p.MatchIndex + 1
	}
}

// OnAppendFailure backtracks a peer's next index by one (linear
// backtracking), or jumps directly to hintIndex when the follower supplied a
// conflict-term hint and hintIndex is smaller than the current next index.
func (m *Manager) OnAppendFailure(peerID string, hintIndex uint64) {
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	next := p.NextIndex
	if next > 1 {
		next--
	}
	if hintIndex > 0 && hintIndex < next {
		next = hintIndex
	}
	if next < 1 {
		next = 1
	}
	p.NextIndex = next
}

// Get returns a copy of a peer's progress.
func (m *Manager) Get(peerID string) (Progress, bool) {
	p, ok := m.peers[peerID]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// IDs returns the set of tracked peer IDs, in no particular order.
func (m *Manager) IDs() []string {
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// QuorumCommitIndex returns the highest index N such that {self} union
// {peers with match_index >= N} forms a quorum of cfg. Under joint
// consensus this must hold in both halves simultaneously, so N is computed
// independently per half and the lower of the two survives.
func (m *Manager) QuorumCommitIndex(cfg raftconfig.Config, leaderLastIndex uint64) uint64 {
	if !cfg.IsJoint() {
		return m.quorumIndexForHalf(cfg.NewServers, leaderLastIndex)
	}
	oldN := m.quorumIndexForHalf(cfg.OldServers, leaderLastIndex)
	newN := m.quorumIndexForHalf(cfg.NewServers, leaderLastIndex)
	if oldN < newN {
		return oldN
	}
	return newN
}

// quorumIndexForHalf computes the highest N such that a majority of the
// voting members of servers have match_index >= N, using the classic
// sorted-match-index median technique: the lower median of n match indices
// is replicated to at least floor(n/2)+1 members.
func (m *Manager) quorumIndexForHalf(servers []raftconfig.ServerInfo, leaderLastIndex uint64) uint64 {
	matches := make([]uint64, 0, len(servers))
	for _, s := range servers {
		if !s.Voting {
			continue
		}
		if s.ID == m.selfID {
			matches = append(matches, leaderLastIndex)
			continue
		}
		if p, ok := m.peers[s.ID]; ok {
			matches = append(matches, p.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	if len(matches) == 0 {
		return leaderLastIndex
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	medianIdx := (len(matches) - 1) / 2
	return matches[medianIdx]
}
