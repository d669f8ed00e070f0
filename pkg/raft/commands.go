package raft

import (
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/timer"
	"github.com/quorumdb/raft/pkg/transport"
)

// raftCommand is one unit of work processed by Node.run. execute performs
// the command against the actor's state; fail is invoked instead if the
// command is still queued when the node shuts down, so a caller blocked on
// a reply channel is released rather than left hanging.
type raftCommand interface {
	execute(n *Node)
	fail(n *Node, err error)
}

// --- inbound RPCs (server side, delivered via transport.Handler) ---

type cmdRequestVote struct {
	args  *transport.RequestVoteArgs
	reply chan *transport.RequestVoteReply
}

func (c cmdRequestVote) execute(n *Node) { c.reply <- n.handleRequestVote(c.args) }
func (c cmdRequestVote) fail(n *Node, _ error) {
	c.reply <- &transport.RequestVoteReply{Term: n.metadata.Get().CurrentTerm}
}

type cmdAppendEntries struct {
	args  *transport.AppendEntriesArgs
	reply chan *transport.AppendEntriesReply
}

func (c cmdAppendEntries) execute(n *Node) { c.reply <- n.handleAppendEntries(c.args) }
func (c cmdAppendEntries) fail(n *Node, _ error) {
	c.reply <- &transport.AppendEntriesReply{Term: n.metadata.Get().CurrentTerm}
}

type cmdInstallSnapshot struct {
	args  *transport.InstallSnapshotArgs
	reply chan *transport.InstallSnapshotReply
}

func (c cmdInstallSnapshot) execute(n *Node) { c.reply <- n.handleInstallSnapshot(c.args) }
func (c cmdInstallSnapshot) fail(n *Node, _ error) {
	c.reply <- &transport.InstallSnapshotReply{Term: n.metadata.Get().CurrentTerm}
}

// --- outbound RPC results, delivered by the goroutine that made the call ---

type cmdVoteResult struct {
	peerID string
	term   uint64 // the term this election was fought at
	reply  *transport.RequestVoteReply
	err    error
}

func (c cmdVoteResult) execute(n *Node) { n.handleVoteResult(c) }
func (cmdVoteResult) fail(*Node, error) {}

type cmdAppendResult struct {
	peerID       string
	prevLogIndex uint64
	numEntries   int
	reply        *transport.AppendEntriesReply
	err          error
}

func (c cmdAppendResult) execute(n *Node) { n.handleAppendResult(c) }
func (cmdAppendResult) fail(*Node, error) {}

type cmdSnapshotSent struct {
	peerID            string
	term              uint64
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	observedTerm      uint64 // highest term any chunk's reply carried
	err               error
}

func (c cmdSnapshotSent) execute(n *Node) { n.handleSnapshotSent(c) }
func (cmdSnapshotSent) fail(*Node, error) {}

// --- timers ---

type cmdTimer struct {
	elapsed timer.Elapsed
}

func (c cmdTimer) execute(n *Node) { n.handleTimerElapsed(c.elapsed) }
func (cmdTimer) fail(*Node, error) {}

// --- applier feedback ---

type cmdEntryApplied struct {
	index     uint64
	entryType logstore.EntryType
	config    raftconfig.Config
	configOK  bool
	result    interface{}
	err       error
}

func (c cmdEntryApplied) execute(n *Node) { n.handleEntryApplied(c) }
func (cmdEntryApplied) fail(*Node, error) {}

// --- public API, synchronous request/response ---

type cmdPropose struct {
	data   []byte
	result chan transport.ProposeReply
}

func (c cmdPropose) execute(n *Node) { n.handlePropose(c) }
func (c cmdPropose) fail(n *Node, err error) {
	c.result <- transport.ProposeReply{Success: false, Error: err.Error()}
}

type cmdGetLeader struct {
	result chan transport.GetLeaderReply
}

func (c cmdGetLeader) execute(n *Node) {
	reply := transport.GetLeaderReply{}
	if n.ns.leaderID != "" {
		reply.Known = true
		reply.LeaderID = n.ns.leaderID
		reply.LeaderAddr = n.leaderHint()
	}
	c.result <- reply
}
func (c cmdGetLeader) fail(*Node, error) { c.result <- transport.GetLeaderReply{} }

type cmdGetConfiguration struct {
	result chan transport.GetConfigurationReply
}

func (c cmdGetConfiguration) execute(n *Node) {
	c.result <- transport.GetConfigurationReply{Config: n.ns.effectiveConfig}
}
func (c cmdGetConfiguration) fail(n *Node, _ error) {
	c.result <- transport.GetConfigurationReply{Config: n.ns.bootstrapConfig}
}

type cmdSetConfiguration struct {
	servers []raftconfig.ServerInfo
	result  chan transport.SetConfigurationReply
}

func (c cmdSetConfiguration) execute(n *Node) { n.handleSetConfiguration(c) }
func (c cmdSetConfiguration) fail(n *Node, err error) {
	c.result <- transport.SetConfigurationReply{Success: false, Error: err.Error()}
}
