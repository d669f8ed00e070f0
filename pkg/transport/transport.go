package transport

import (
	"context"

	"github.com/quorumdb/raft/pkg/raftconfig"
)

// Handler is implemented by the consensus core (pkg/raft.Node). It is the
// server-side target every Transport dispatches incoming RPCs to.
type Handler interface {
	HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply
	HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply
	HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply
}

// Transport is the client-side interface the core uses to reach its
// peers. Two implementations ship: LocalTransport (this package, for
// tests and the deterministic simulator) and pkg/transport/grpc.Transport
// (for real processes over the network).
type Transport interface {
	RequestVote(ctx context.Context, target string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, target string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, target string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// Management is the client-facing surface a node exposes beyond the
// consensus RPCs: proposals, leadership and configuration queries, and
// membership changes. *pkg/raft.Node implements it; pkg/transport/grpc
// exposes it on the wire for operator tooling.
type Management interface {
	Propose(ctx context.Context, data []byte) (ProposeReply, error)
	GetLeader(ctx context.Context) (GetLeaderReply, error)
	GetConfiguration(ctx context.Context) (raftconfig.Config, error)
	SetConfiguration(ctx context.Context, servers []raftconfig.ServerInfo) (SetConfigurationReply, error)
}
