package raft

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/metadatastore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/statemachine"
	"github.com/quorumdb/raft/pkg/timer"
	"github.com/quorumdb/raft/pkg/transport"
)

// State is one of the three Raft roles.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config bundles a node's tunables. BootstrapPeers seeds the effective
// configuration when neither the log nor a snapshot carries a newer
// CONFIGURATION entry.
type Config struct {
	ID                    string
	BootstrapPeers        []raftconfig.ServerInfo
	Timers                timer.Config
	SnapshotThreshold     uint64
	MaxAppendEntriesBytes int
}

// DefaultConfig returns a Config with conventional defaults.
func DefaultConfig(id string, peers []raftconfig.ServerInfo) Config {
	return Config{
		ID:                    id,
		BootstrapPeers:        peers,
		Timers:                timer.DefaultConfig(),
		SnapshotThreshold:     64,
		MaxAppendEntriesBytes: 256 * 1024,
	}
}

// Deps are the components a Node is built around. The caller owns their
// lifecycle (opening before New, closing after Node.Done fires).
type Deps struct {
	Metadata     *metadatastore.Store
	Log          *logstore.Log
	Snapshots    *snapshotstore.Store
	StateMachine statemachine.StateMachine
	Transport    transport.Transport
	Logger       zerolog.Logger
}

// nodeState is every piece of mutable consensus state. It is touched only
// from inside Node.run (and the command handlers it calls directly), never
// from a timer goroutine, an outbound-RPC subtask, or the applier.
type nodeState struct {
	state    State
	leaderID string

	effectiveConfig raftconfig.Config
	bootstrapConfig raftconfig.Config

	electionTerm uint64 // the term this node is (or was) a candidate for

	snapshotLastIncludedIndex uint64
	snapshotLastIncludedTerm  uint64
	snapshotConfigBytes       []byte

	pendingProposals      map[uint64]chan transport.ProposeReply
	pendingSetConfig      chan transport.SetConfigurationReply
	pendingSetConfigIndex uint64

	sendingSnapshotTo map[string]bool

	shuttingDown bool
}

func (n *nodeState) init(bootstrap raftconfig.Config) {
	n.state = Follower
	n.effectiveConfig = bootstrap
	n.bootstrapConfig = bootstrap
	n.pendingProposals = make(map[uint64]chan transport.ProposeReply)
	n.sendingSnapshotTo = make(map[string]bool)
}

// rpcTimeout bounds an outbound RPC to at most one election interval.
func (n *Node) rpcTimeout() time.Duration {
	return n.cfg.Timers.ElectionMax
}
