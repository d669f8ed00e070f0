package raft

import (
	"context"

	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/transport"
)

// startElection runs on election-timer expiry while not leader, and again
// on every subsequent expiry while still a candidate.
func (n *Node) startElection() {
	if !n.ns.effectiveConfig.Contains(n.id) {
		// Not (or not yet) a member of the effective configuration: a
		// freshly added server waiting for the leader's log to include it,
		// or a removed server about to learn that via a committed entry.
		// Neither may campaign; stay follower and keep listening.
		n.timers.ResetElection()
		return
	}
	n.ns.state = Candidate
	meta := n.metadata.Get()
	newTerm := meta.CurrentTerm + 1
	n.metadata.UpdateCurrentTerm(newTerm)
	n.metadata.UpdateVotedFor(n.id)
	if err := n.metadata.Sync(); err != nil {
		n.fatal(err)
		return
	}
	n.ns.leaderID = ""
	n.ns.electionTerm = newTerm
	n.peers.ResetVotes()
	n.timers.ResetElection()
	n.log.Info().Uint64("term", newTerm).Msg("starting election")

	if n.ns.effectiveConfig.HasQuorum(map[string]bool{}, n.id) {
		// Self alone already forms a quorum (e.g. a single-voter cluster);
		// no peer vote can ever arrive to trigger becomeLeader.
		n.becomeLeader()
		return
	}

	lastIdx := n.lastLogIndex()
	lastTerm := n.lastLogTerm()
	for _, s := range n.ns.effectiveConfig.Members() {
		if s.ID == n.id {
			continue
		}
		go n.sendRequestVote(s.ID, s.Address, newTerm, lastIdx, lastTerm)
	}
}

func (n *Node) sendRequestVote(peerID, addr string, term, lastLogIndex, lastLogTerm uint64) {
	_ = addr // dialing is handled inside the Transport implementation itself
	ctx, cancel := context.WithTimeout(context.Background(), n.rpcTimeout())
	defer cancel()
	args := &transport.RequestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	reply, err := n.transport.RequestVote(ctx, peerID, args)
	n.enqueue(cmdVoteResult{peerID: peerID, term: term, reply: reply, err: err})
}

func (n *Node) handleVoteResult(c cmdVoteResult) {
	if c.err != nil {
		n.log.Debug().Err(c.err).Str("peer", c.peerID).Msg("request vote failed")
		return
	}
	current := n.metadata.Get().CurrentTerm
	if c.reply.Term > current {
		n.stepDown(c.reply.Term)
		return
	}
	if n.ns.state != Candidate || c.term != n.ns.electionTerm {
		return // stale: election already over, or this reply is for a prior election
	}
	n.peers.RecordVote(c.peerID, c.reply.VoteGranted)
	if c.reply.VoteGranted && n.ns.effectiveConfig.HasQuorum(n.peers.GrantedIDs(), n.id) {
		n.becomeLeader()
	}
}

// handleRequestVote is the RequestVote receiver.
func (n *Node) handleRequestVote(args *transport.RequestVoteArgs) *transport.RequestVoteReply {
	meta := n.metadata.Get()
	if args.Term < meta.CurrentTerm {
		return &transport.RequestVoteReply{Term: meta.CurrentTerm, VoteGranted: false}
	}
	if args.Term > meta.CurrentTerm {
		n.stepDown(args.Term)
		meta = n.metadata.Get()
	}

	granted := false
	if n.ns.effectiveConfig.Contains(args.CandidateID) && (meta.VotedFor == "" || meta.VotedFor == args.CandidateID) {
		lastTerm := n.lastLogTerm()
		lastIdx := n.lastLogIndex()
		upToDate := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIdx)
		if upToDate {
			n.metadata.UpdateVotedFor(args.CandidateID)
			if err := n.metadata.Sync(); err != nil {
				n.fatal(err)
				return &transport.RequestVoteReply{Term: meta.CurrentTerm}
			}
			n.timers.ResetElection()
			granted = true
		}
	}
	return &transport.RequestVoteReply{Term: n.metadata.Get().CurrentTerm, VoteGranted: granted}
}

// becomeLeader completes a won election.
func (n *Node) becomeLeader() {
	n.ns.state = Leader
	n.ns.leaderID = n.id
	n.peers.Sync(n.ns.effectiveConfig, n.lastLogIndex())
	n.peers.ResetForNewLeader(n.lastLogIndex())

	term := n.metadata.Get().CurrentTerm
	n.logStore.AppendData(term, logstore.NoopEntry, [][]byte{nil})
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		return
	}

	n.timers.ElectionT.Stop()
	n.timers.ResetHeartbeat()
	n.log.Info().Uint64("term", term).Str("id", n.id).Msg("became leader")
	n.onLogAppended()
}
