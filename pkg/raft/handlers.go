package raft

import (
	"context"

	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

// HandleRequestVote implements transport.Handler. It blocks the caller
// (the transport's own dispatch goroutine) until the actor has processed
// the RPC, which is how every inbound RPC crosses from "whatever goroutine
// the transport runs on" into the single goroutine that owns consensus
// state.
func (n *Node) HandleRequestVote(args *transport.RequestVoteArgs) *transport.RequestVoteReply {
	reply := make(chan *transport.RequestVoteReply, 1)
	cmd := cmdRequestVote{args: args, reply: reply}
	if !n.enqueue(cmd) {
		cmd.fail(n, ErrShuttingDown)
	}
	return <-reply
}

// HandleAppendEntries implements transport.Handler.
func (n *Node) HandleAppendEntries(args *transport.AppendEntriesArgs) *transport.AppendEntriesReply {
	reply := make(chan *transport.AppendEntriesReply, 1)
	cmd := cmdAppendEntries{args: args, reply: reply}
	if !n.enqueue(cmd) {
		cmd.fail(n, ErrShuttingDown)
	}
	return <-reply
}

// HandleInstallSnapshot implements transport.Handler.
func (n *Node) HandleInstallSnapshot(args *transport.InstallSnapshotArgs) *transport.InstallSnapshotReply {
	reply := make(chan *transport.InstallSnapshotReply, 1)
	cmd := cmdInstallSnapshot{args: args, reply: reply}
	if !n.enqueue(cmd) {
		cmd.fail(n, ErrShuttingDown)
	}
	return <-reply
}

// ID returns the node's own server ID.
func (n *Node) ID() string { return n.id }

// Propose submits data for replication, returning once it has either been
// durably applied to the state machine or failed (e.g. this node is not
// the leader, or it stepped down before the entry committed). A false
// Success with a non-empty LeaderAddr is a hint of who to retry against.
func (n *Node) Propose(ctx context.Context, data []byte) (transport.ProposeReply, error) {
	result := make(chan transport.ProposeReply, 1)
	if !n.enqueue(cmdPropose{data: data, result: result}) {
		return transport.ProposeReply{Success: false, Error: ErrShuttingDown.Error()}, nil
	}
	select {
	case reply := <-result:
		return reply, nil
	case <-ctx.Done():
		return transport.ProposeReply{}, ctx.Err()
	}
}

// GetLeader reports this node's current view of cluster leadership.
func (n *Node) GetLeader(ctx context.Context) (transport.GetLeaderReply, error) {
	result := make(chan transport.GetLeaderReply, 1)
	if !n.enqueue(cmdGetLeader{result: result}) {
		return transport.GetLeaderReply{}, nil
	}
	select {
	case reply := <-result:
		return reply, nil
	case <-ctx.Done():
		return transport.GetLeaderReply{}, ctx.Err()
	}
}

// GetConfiguration reports this node's current effective configuration.
func (n *Node) GetConfiguration(ctx context.Context) (raftconfig.Config, error) {
	result := make(chan transport.GetConfigurationReply, 1)
	if !n.enqueue(cmdGetConfiguration{result: result}) {
		return raftconfig.Config{}, nil
	}
	select {
	case reply := <-result:
		return reply.Config, nil
	case <-ctx.Done():
		return raftconfig.Config{}, ctx.Err()
	}
}

// SetConfiguration starts a joint-consensus membership change to servers,
// returning once the transition has fully committed (or failed). Only the
// leader can start one, and only one can run at a time.
func (n *Node) SetConfiguration(ctx context.Context, servers []raftconfig.ServerInfo) (transport.SetConfigurationReply, error) {
	result := make(chan transport.SetConfigurationReply, 1)
	if !n.enqueue(cmdSetConfiguration{servers: servers, result: result}) {
		return transport.SetConfigurationReply{Success: false, Error: ErrShuttingDown.Error()}, nil
	}
	select {
	case reply := <-result:
		return reply, nil
	case <-ctx.Done():
		return transport.SetConfigurationReply{}, ctx.Err()
	}
}

// IsLeader reports whether this node currently believes itself to be
// leader. It is inherently racy (the answer can change the instant after
// it is returned) and is meant for metrics/logging, not for correctness
// decisions; callers that need a linearizable answer should go through
// Propose instead.
func (n *Node) IsLeader() bool {
	reply, err := n.GetLeader(context.Background())
	if err != nil {
		return false
	}
	return reply.Known && reply.LeaderID == n.id
}
