// Package raft implements the consensus core: a single-actor Node that
// drives leader election, log replication, commit advancement, and
// membership changes. All mutable state lives behind one goroutine
// (Node.run); every RPC, timer fire, and public API call is turned into a
// command on a channel rather than reaching in through a lock.
package raft

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quorumdb/raft/pkg/logging"
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/metadatastore"
	"github.com/quorumdb/raft/pkg/peer"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/statemachine"
	"github.com/quorumdb/raft/pkg/timer"
	"github.com/quorumdb/raft/pkg/transport"
)

// Node is one participant in a Raft cluster. All of its exported methods are
// safe to call concurrently: they hand a command to the single goroutine
// Start spawns (run) and wait for that goroutine's reply.
type Node struct {
	id  string
	cfg Config
	log zerolog.Logger

	metadata  *metadatastore.Store
	logStore  *logstore.Log
	snapshots *snapshotstore.Store
	sm        statemachine.StateMachine
	transport transport.Transport

	peers  *peer.Manager
	timers *timer.Set

	commitIndex atomic.Uint64
	lastApplied atomic.Uint64

	cmdCh   chan raftCommand
	timerCh chan timer.Elapsed
	doneCh  chan struct{}

	applyWake   chan struct{}
	applierStop chan struct{}
	applierDone chan struct{}

	ns nodeState
}

// New constructs a Node from cfg and deps, recovering whatever durable state
// is present (absent files mean zero-valued state). It does not start
// any goroutines; call Start for that.
func New(cfg Config, deps Deps) (*Node, error) {
	bootstrap := raftconfig.Stable(cfg.BootstrapPeers)

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		log:       logging.WithComponent(logging.WithNodeID(deps.Logger, cfg.ID), "raft"),
		metadata:  deps.Metadata,
		logStore:  deps.Log,
		snapshots: deps.Snapshots,
		sm:        deps.StateMachine,
		transport: deps.Transport,
		peers:     peer.New(cfg.ID),

		cmdCh:   make(chan raftCommand, 256),
		timerCh: make(chan timer.Elapsed, 16),
		doneCh:  make(chan struct{}),

		applyWake:   make(chan struct{}, 1),
		applierStop: make(chan struct{}),
		applierDone: make(chan struct{}),
	}
	n.ns.init(bootstrap)
	n.timers = timer.NewSet(cfg.Timers, n.timerCh)

	if meta, ok, err := deps.Snapshots.LatestMetadata(); err != nil {
		return nil, fmt.Errorf("raft: load snapshot metadata: %w", err)
	} else if ok {
		n.ns.snapshotLastIncludedIndex = meta.LastIncludedIndex
		n.ns.snapshotLastIncludedTerm = meta.LastIncludedTerm
		n.ns.snapshotConfigBytes = meta.Config
		if cfgFromSnap, derr := raftconfig.Decode(meta.Config); derr == nil {
			n.ns.effectiveConfig = cfgFromSnap
		}
		n.commitIndex.Store(meta.LastIncludedIndex)
		n.lastApplied.Store(meta.LastIncludedIndex)
	}
	n.recoverEffectiveConfigFromLog()
	n.peers.Sync(n.ns.effectiveConfig, n.lastLogIndex())

	return n, nil
}

// Start spawns the actor, the applier, and the timer pump, and arms the
// election and snapshot timers. The heartbeat timer only ever runs while
// this node is leader.
func (n *Node) Start() {
	go n.run()
	go n.applierLoop()
	go n.timerPump()
	n.enqueue(startupCommand{})
}

// startupCommand arms the initial timers from inside the actor so nothing
// touches n.timers concurrently with a command handler.
type startupCommand struct{}

func (startupCommand) execute(n *Node) {
	n.timers.ResetElection()
	n.timers.ResetSnapshot()
}

func (startupCommand) fail(*Node, error) {}

// Done returns a channel closed once the actor has fully stopped, whether
// because Stop was called or because a committed membership change removed
// this node from the cluster.
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

// Stop gracefully shuts the node down: it flushes metadata and the log,
// fails any commands still in flight, and waits for every goroutine the
// node owns to exit. It is safe to call on a node that has already shut
// itself down (e.g. via a committed membership change that removed it).
func (n *Node) Stop() {
	done := make(chan struct{})
	select {
	case n.cmdCh <- shutdownCommand{done: done}:
	case <-n.doneCh:
		return
	}
	// cmdCh is buffered, so the send above can succeed even if run has
	// already exited and will never drain it; wait on doneCh too so that
	// race does not hang forever.
	select {
	case <-done:
	case <-n.doneCh:
	}
}

type shutdownCommand struct{ done chan struct{} }

func (c shutdownCommand) execute(n *Node) {
	n.shutdownInternal()
	close(c.done)
}

func (c shutdownCommand) fail(_ *Node, _ error) { close(c.done) }

func (n *Node) shutdownInternal() {
	if n.ns.shuttingDown {
		return
	}
	n.ns.shuttingDown = true
	n.timers.StopAll()
	if err := n.metadata.Sync(); err != nil {
		n.log.Error().Err(err).Msg("metadata sync on shutdown failed")
	}
	if err := n.logStore.Persist(); err != nil {
		n.log.Error().Err(err).Msg("log persist on shutdown failed")
	}
	n.failPendingProposals(ErrShuttingDown)
	n.failPendingSetConfiguration(ErrShuttingDown)
	close(n.applierStop)
	<-n.applierDone
}

// run is the sole goroutine that ever touches n.ns.
func (n *Node) run() {
	defer func() {
		n.drainPendingCommands()
		close(n.doneCh)
	}()
	for {
		cmd := <-n.cmdCh
		cmd.execute(n)
		if n.ns.shuttingDown {
			return
		}
	}
}

// drainPendingCommands fails whatever is left in the buffer once run has
// decided to exit, so a caller blocked on a reply channel does not hang
// forever. This is a best-effort pass, not a hard guarantee: a command sent
// in the exact instant run exits can still be dropped, same as any
// channel-based actor shutdown.
func (n *Node) drainPendingCommands() {
	for {
		select {
		case cmd := <-n.cmdCh:
			cmd.fail(n, ErrShuttingDown)
		default:
			return
		}
	}
}

// enqueue hands cmd to the actor, returning false if the node has already
// stopped.
func (n *Node) enqueue(cmd raftCommand) bool {
	// doneCh is checked on its own first: once it is closed, cmdCh usually
	// still has buffer room, and a two-way select would pick either case.
	select {
	case <-n.doneCh:
		return false
	default:
	}
	select {
	case n.cmdCh <- cmd:
		return true
	case <-n.doneCh:
		return false
	}
}

func (n *Node) lastLogIndex() uint64 {
	return n.logStore.LastIndex(n.ns.snapshotLastIncludedIndex)
}

func (n *Node) lastLogTerm() uint64 {
	return n.logStore.LastTerm(n.ns.snapshotLastIncludedIndex, n.ns.snapshotLastIncludedTerm)
}

// prevLogTermAt resolves the term of the entry at index, consulting
// snapshot metadata when index falls exactly on the snapshot boundary. ok is
// false when index is neither materialized nor the snapshot boundary,
// meaning the requester needs a snapshot instead of an append.
func (n *Node) prevLogTermAt(index uint64) (term uint64, ok bool) {
	if index == 0 {
		return 0, true
	}
	if n.ns.snapshotLastIncludedIndex > 0 && index == n.ns.snapshotLastIncludedIndex {
		return n.ns.snapshotLastIncludedTerm, true
	}
	entry, found := n.logStore.Entry(index)
	if !found {
		return 0, false
	}
	return entry.Term, true
}

// setEffectiveConfig installs cfg as the effective configuration and
// resynchronizes peer tracking against it.
func (n *Node) setEffectiveConfig(cfg raftconfig.Config) {
	n.ns.effectiveConfig = cfg
	n.peers.Sync(cfg, n.lastLogIndex())
}

// applyConfigEntryOptimistic installs cfg as the effective configuration the
// moment a CONFIGURATION entry is appended, ahead of it committing, so the
// leader replicates to newly added members and those members vote.
func (n *Node) applyConfigEntryOptimistic(cfg raftconfig.Config) {
	n.setEffectiveConfig(cfg)
}

// recomputeEffectiveConfigAfterTruncation restores whatever configuration
// was effective immediately before fromIndex, after a suffix truncation
// discarded an uncommitted CONFIGURATION entry at or beyond fromIndex.
func (n *Node) recomputeEffectiveConfigAfterTruncation(fromIndex uint64) {
	start := n.logStore.StartIndex()
	for idx := fromIndex; idx > start; idx-- {
		prev := idx - 1
		if e, ok := n.logStore.Entry(prev); ok && e.Type == logstore.ConfigurationEntry {
			if cfg, err := raftconfig.Decode(e.Payload); err == nil {
				n.setEffectiveConfig(cfg)
				return
			}
		}
	}
	if n.ns.snapshotLastIncludedIndex > 0 && len(n.ns.snapshotConfigBytes) > 0 {
		if cfg, err := raftconfig.Decode(n.ns.snapshotConfigBytes); err == nil {
			n.setEffectiveConfig(cfg)
			return
		}
	}
	n.setEffectiveConfig(n.ns.bootstrapConfig)
}

// recoverEffectiveConfigFromLog is the startup counterpart of
// recomputeEffectiveConfigAfterTruncation: it scans the recovered log,
// newest entry first, for the latest CONFIGURATION entry, which takes
// precedence over whatever the snapshot carried (the log only ever holds
// entries past the snapshot's boundary).
func (n *Node) recoverEffectiveConfigFromLog() {
	last := n.lastLogIndex()
	if last == 0 {
		return
	}
	start := n.logStore.StartIndex()
	for idx := last; ; idx-- {
		if e, ok := n.logStore.Entry(idx); ok && e.Type == logstore.ConfigurationEntry {
			if cfg, err := raftconfig.Decode(e.Payload); err == nil {
				n.ns.effectiveConfig = cfg
			}
			return
		}
		if idx <= start {
			return
		}
	}
}

// stepDown handles discovering a higher term: bump current_term, clear
// voted_for, sync, and revert to follower before anything else proceeds.
func (n *Node) stepDown(term uint64) {
	n.metadata.UpdateCurrentTerm(term)
	if err := n.metadata.Sync(); err != nil {
		n.fatal(err)
		return
	}
	wasLeader := n.ns.state == Leader
	n.ns.state = Follower
	n.ns.leaderID = ""
	n.timers.Heartbeat.Stop()
	n.timers.ResetElection()
	if wasLeader {
		n.failPendingProposals(ErrNotLeader)
		n.failPendingSetConfiguration(ErrNotLeader)
	}
	n.log.Info().Uint64("term", term).Msg("stepping down to follower")
}

// revertToFollower handles a candidate observing a legitimate leader's
// AppendEntries/InstallSnapshot at the current term (no term bump needed).
func (n *Node) revertToFollower(leaderID string) {
	n.ns.state = Follower
	n.ns.leaderID = leaderID
	n.timers.Heartbeat.Stop()
}

func (n *Node) leaderHint() string {
	if n.ns.leaderID == "" {
		return ""
	}
	addr, _ := n.ns.effectiveConfig.Address(n.ns.leaderID)
	return addr
}

// onLogAppended is called after any local log append (becoming leader,
// Propose, SetConfiguration): it gives a single-node cluster a chance to
// commit immediately and kicks off replication to everyone else.
func (n *Node) onLogAppended() {
	n.tryAdvanceCommitIndex()
	n.replicateToAll()
}

// fatal logs at zerolog's Fatal level, which terminates the process: the
// correct response to a durability failure or a protocol invariant
// violation, since this node cannot safely keep acknowledging RPCs once it
// can no longer trust its own persisted state.
func (n *Node) fatal(err error) {
	n.log.Fatal().Err(err).Msg("unrecoverable durability or protocol failure")
}

func (n *Node) failPendingProposals(err error) {
	for index, ch := range n.ns.pendingProposals {
		ch <- transport.ProposeReply{Success: false, Index: index, Error: err.Error(), LeaderAddr: n.leaderHint()}
		delete(n.ns.pendingProposals, index)
	}
}

func (n *Node) failPendingSetConfiguration(err error) {
	if n.ns.pendingSetConfig == nil {
		return
	}
	n.ns.pendingSetConfig <- transport.SetConfigurationReply{Success: false, Error: err.Error(), LeaderAddr: n.leaderHint()}
	n.ns.pendingSetConfig = nil
	n.ns.pendingSetConfigIndex = 0
}

// storeIfGreater advances v to val, unless v already holds something
// greater or equal. commit_index and last_applied are both written from
// more than one goroutine (the actor and, for last_applied, the applier),
// so a blind Store could let a stale value clobber a newer one; this keeps
// both fields monotonically non-decreasing regardless of interleaving.
func storeIfGreater(v *atomic.Uint64, val uint64) {
	for {
		cur := v.Load()
		if val <= cur {
			return
		}
		if v.CompareAndSwap(cur, val) {
			return
		}
	}
}
