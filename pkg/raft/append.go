package raft

import (
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

// handleAppendEntries is the AppendEntries receiver.
func (n *Node) handleAppendEntries(args *transport.AppendEntriesArgs) *transport.AppendEntriesReply {
	meta := n.metadata.Get()
	if args.Term < meta.CurrentTerm {
		return &transport.AppendEntriesReply{Term: meta.CurrentTerm, Success: false}
	}
	if args.Term > meta.CurrentTerm {
		n.stepDown(args.Term)
		meta = n.metadata.Get()
	}

	n.timers.ResetElection()
	n.ns.leaderID = args.LeaderID
	if n.ns.state != Follower {
		n.revertToFollower(args.LeaderID)
	}

	if args.PrevLogIndex > 0 {
		prevTerm, ok := n.prevLogTermAt(args.PrevLogIndex)
		if !ok || prevTerm != args.PrevLogTerm {
			hintIndex, hintTerm := n.conflictHint(args.PrevLogIndex)
			return &transport.AppendEntriesReply{
				Term:          meta.CurrentTerm,
				Success:       false,
				ConflictIndex: hintIndex,
				ConflictTerm:  hintTerm,
			}
		}
	}

	if err := n.reconcileEntries(args.Entries); err != nil {
		n.fatal(err)
		return &transport.AppendEntriesReply{Term: meta.CurrentTerm, Success: false}
	}

	if args.LeaderCommit > n.commitIndex.Load() {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		newCommit := args.LeaderCommit
		if lastNew < newCommit {
			newCommit = lastNew
		}
		storeIfGreater(&n.commitIndex, newCommit)
		n.wakeApplier()
	}

	return &transport.AppendEntriesReply{Term: meta.CurrentTerm, Success: true}
}

// reconcileEntries folds a leader-supplied entry suffix into the local log:
// entries that already match by (index, term) are left alone (Log Matching
// Property guarantees everything before them is identical too); the first
// mismatch truncates the suffix from that point (never past commit_index)
// before the new entries are appended and persisted.
func (n *Node) reconcileEntries(entries []logstore.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	matched := 0
	for _, e := range entries {
		existing, ok := n.logStore.Entry(e.Index)
		if !ok {
			break
		}
		if existing.Term != e.Term {
			if err := n.logStore.TruncateSuffixFrom(e.Index, n.commitIndex.Load()); err != nil {
				return err
			}
			n.recomputeEffectiveConfigAfterTruncation(e.Index)
			break
		}
		matched++
	}

	newEntries := entries[matched:]
	if len(newEntries) == 0 {
		return nil
	}
	if err := n.logStore.AppendRaw(newEntries); err != nil {
		return err
	}
	if err := n.logStore.Persist(); err != nil {
		return err
	}
	for _, e := range newEntries {
		if e.Type == logstore.ConfigurationEntry {
			if cfg, err := raftconfig.Decode(e.Payload); err == nil {
				n.applyConfigEntryOptimistic(cfg)
			}
		}
	}
	return nil
}

// conflictHint computes the fast-backtrack hint a follower may return
// instead of making the leader decrement next_index one at a
// time: the first index of the conflicting term, or one past the
// follower's own last index when it has nothing at all at prevLogIndex.
func (n *Node) conflictHint(prevLogIndex uint64) (index, term uint64) {
	existing, ok := n.logStore.Entry(prevLogIndex)
	if !ok {
		return n.lastLogIndex() + 1, 0
	}
	conflictTerm := existing.Term
	start := n.logStore.StartIndex()
	idx := prevLogIndex
	for idx > start {
		e, ok := n.logStore.Entry(idx - 1)
		if !ok || e.Term != conflictTerm {
			break
		}
		idx--
	}
	return idx, conflictTerm
}
