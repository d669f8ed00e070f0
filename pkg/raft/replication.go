package raft

import (
	"context"

	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/transport"
)

// replicateToAll sends every peer in the effective configuration whatever
// it currently needs: a snapshot if it has fallen behind the log's
// retained prefix, an AppendEntries suffix otherwise. Called on heartbeat
// tick, after a local append, and whenever the commit index advances; a
// rejected append is retried only toward the peer that rejected it.
func (n *Node) replicateToAll() {
	if n.ns.state != Leader {
		return
	}
	for _, id := range n.peers.IDs() {
		n.replicateToPeer(id)
	}
}

func (n *Node) replicateToPeer(peerID string) {
	if n.ns.sendingSnapshotTo[peerID] {
		return // a stream is already in flight; wait for cmdSnapshotSent
	}
	p, ok := n.peers.Get(peerID)
	if !ok {
		return
	}
	addr, ok := n.ns.effectiveConfig.Address(peerID)
	if !ok {
		return
	}

	if p.NextIndex <= n.logStore.StartIndex() && n.logStore.StartIndex() > 1 {
		n.sendSnapshotToPeer(peerID, addr)
		return
	}

	prevLogIndex := p.NextIndex - 1
	prevLogTerm, ok := n.prevLogTermAt(prevLogIndex)
	if !ok {
		n.sendSnapshotToPeer(peerID, addr)
		return
	}

	entries := n.logStore.EntriesFrom(p.NextIndex, n.cfg.MaxAppendEntriesBytes)
	term := n.metadata.Get().CurrentTerm
	leaderCommit := n.commitIndex.Load()
	go n.sendAppendEntries(peerID, term, prevLogIndex, prevLogTerm, entries, leaderCommit)
}

func (n *Node) sendAppendEntries(peerID string, term, prevLogIndex, prevLogTerm uint64, entries []logstore.Entry, leaderCommit uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), n.rpcTimeout())
	defer cancel()
	args := &transport.AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	reply, err := n.transport.AppendEntries(ctx, peerID, args)
	n.enqueue(cmdAppendResult{peerID: peerID, prevLogIndex: prevLogIndex, numEntries: len(entries), reply: reply, err: err})
}

func (n *Node) handleAppendResult(c cmdAppendResult) {
	if c.err != nil {
		n.log.Debug().Err(c.err).Str("peer", c.peerID).Msg("append entries rpc failed")
		return
	}
	current := n.metadata.Get().CurrentTerm
	if c.reply.Term > current {
		n.stepDown(c.reply.Term)
		return
	}
	if n.ns.state != Leader {
		return
	}
	if c.reply.Success {
		n.peers.OnAppendSuccess(c.peerID, c.prevLogIndex+uint64(c.numEntries))
		n.tryAdvanceCommitIndex()
		return
	}
	n.peers.OnAppendFailure(c.peerID, c.reply.ConflictIndex)
	n.replicateToPeer(c.peerID)
}

// tryAdvanceCommitIndex advances the leader's commit index: the
// current-term commit rule means an index only ever advances commit_index
// when the entry living at it was appended in the leader's own term; prior
// terms commit only transitively, underneath a current-term entry.
func (n *Node) tryAdvanceCommitIndex() {
	if n.ns.state != Leader {
		return
	}
	N := n.peers.QuorumCommitIndex(n.ns.effectiveConfig, n.lastLogIndex())
	if N <= n.commitIndex.Load() {
		return
	}
	entry, ok := n.logStore.Entry(N)
	if !ok || entry.Term != n.metadata.Get().CurrentTerm {
		return
	}
	storeIfGreater(&n.commitIndex, N)
	n.wakeApplier()
	n.replicateToAll()
}
