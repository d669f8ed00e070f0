// Package transport defines the wire-level request/reply shapes for the
// consensus RPCs plus the management calls, the
// Transport/Handler interfaces the core depends on, and an in-memory
// reference Transport used by tests and the deterministic simulator.
package transport

import (
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/raftconfig"
)

// RequestVoteArgs is the RequestVote RPC request.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the RequestVote RPC response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC request.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []logstore.Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the AppendEntries RPC response. ConflictTerm and
// ConflictIndex are an optional fast-backtrack hint; a conforming
// leader may ignore them and decrement linearly instead.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictTerm  uint64
	ConflictIndex uint64
}

// SnapshotChunkKind mirrors pkg/snapshotstore.Kind on the wire, kept as its
// own type so this package does not need to import snapshotstore for what
// is, on the wire, just a one-byte discriminant.
type SnapshotChunkKind int

const (
	SnapshotMetadata SnapshotChunkKind = iota
	SnapshotPayload
)

// InstallSnapshotArgs is the InstallSnapshot RPC request. A snapshot is
// streamed as a sequence of these, one chunk per stream per kind.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Kind              SnapshotChunkKind
	Done              bool
}

// InstallSnapshotReply is the InstallSnapshot RPC response.
type InstallSnapshotReply struct {
	Term uint64
}

// GetLeaderArgs requests the node's current view of cluster leadership.
type GetLeaderArgs struct{}

// GetLeaderReply reports what the node believes about the current leader.
type GetLeaderReply struct {
	Known      bool
	LeaderID   string
	LeaderAddr string
}

// GetConfigurationArgs requests the node's current configuration.
type GetConfigurationArgs struct{}

// GetConfigurationReply carries the node's current configuration.
type GetConfigurationReply struct {
	Config raftconfig.Config
}

// SetConfigurationArgs requests a membership change, starting joint
// consensus on the leader.
type SetConfigurationArgs struct {
	NewServers []raftconfig.ServerInfo
}

// SetConfigurationReply reports the outcome of a configuration change.
// Success is only true once the final C_new entry has committed.
type SetConfigurationReply struct {
	Success    bool
	Error      string
	LeaderAddr string
}

// ProposeArgs submits an opaque command for replication.
type ProposeArgs struct {
	Data []byte
}

// ProposeReply reports the outcome of a Propose call. When Success is
// false and LeaderAddr is non-empty, the caller is not the leader and
// LeaderAddr is a hint of who is.
type ProposeReply struct {
	Success    bool
	Index      uint64
	LeaderAddr string
	Error      string
}
