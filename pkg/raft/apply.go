package raft

import (
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

// wakeApplier nudges the applier goroutine; it is safe to call from
// anywhere commit_index might have just advanced. A pending wake already
// queued is sufficient to pick up any further advancement, so the send is
// non-blocking.
func (n *Node) wakeApplier() {
	select {
	case n.applyWake <- struct{}{}:
	default:
	}
}

// applierLoop is a cooperative loop that applies committed
// entries to the user state machine in strictly increasing index order,
// one at a time, with no overlap. It runs on its own goroutine so a slow
// Apply call never blocks the actor from handling RPCs, but it only ever
// reads the log, reads commit_index and advances last_applied (both
// atomic); n.ns itself is never touched here.
func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.applierStop:
			return
		case <-n.applyWake:
		}
		if !n.applyReady() {
			return
		}
	}
}

// applyReady applies every entry between last_applied and commit_index,
// reporting each one back to the actor as a cmdEntryApplied command. It
// returns false if the node is shutting down mid-pass.
func (n *Node) applyReady() bool {
	for {
		select {
		case <-n.applierStop:
			return false
		default:
		}

		lastApplied := n.lastApplied.Load()
		commit := n.commitIndex.Load()
		if lastApplied >= commit {
			return true
		}
		next := lastApplied + 1
		entry, ok := n.logStore.Entry(next)
		if !ok {
			// Compacted away by a racing snapshot install, or not yet
			// visible; the next wake (or the snapshot install itself) will
			// re-evaluate from a fresh last_applied.
			return true
		}

		cmd := cmdEntryApplied{index: next, entryType: entry.Type}
		switch entry.Type {
		case logstore.DataEntry:
			result, err := n.sm.Apply(next, entry.Payload)
			cmd.result = result
			cmd.err = err
		case logstore.ConfigurationEntry:
			cfg, err := raftconfig.Decode(entry.Payload)
			if err != nil {
				cmd.err = err
			} else {
				cmd.config = cfg
				cmd.configOK = true
			}
		case logstore.NoopEntry:
			// Nothing to deliver to the state machine.
		}

		storeIfGreater(&n.lastApplied, next)
		// Not n.enqueue: the actor can be inside shutdown waiting for this
		// goroutine, so a full command channel must not wedge us here.
		select {
		case n.cmdCh <- cmd:
		case <-n.applierStop:
			return false
		case <-n.doneCh:
			return false
		}
	}
}

// handleEntryApplied reacts to one entry the applier just delivered:
// DATA entries wake whatever Propose call is waiting on that index;
// CONFIGURATION entries drive the joint-consensus finalize/shutdown logic.
func (n *Node) handleEntryApplied(c cmdEntryApplied) {
	switch c.entryType {
	case logstore.DataEntry:
		if ch, ok := n.ns.pendingProposals[c.index]; ok {
			reply := transport.ProposeReply{Success: c.err == nil, Index: c.index}
			if c.err != nil {
				reply.Error = c.err.Error()
			}
			ch <- reply
			delete(n.ns.pendingProposals, c.index)
		}
	case logstore.ConfigurationEntry:
		if c.err != nil {
			n.log.Error().Err(c.err).Uint64("index", c.index).Msg("failed to decode committed configuration entry")
			return
		}
		n.onConfigurationCommitted(c.index, c.config)
	case logstore.NoopEntry:
		// Nothing to do.
	}
}
