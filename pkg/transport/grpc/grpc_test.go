package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

type echoHandler struct{}

func (echoHandler) HandleRequestVote(args *transport.RequestVoteArgs) *transport.RequestVoteReply {
	return &transport.RequestVoteReply{Term: args.Term + 1, VoteGranted: args.CandidateID == "n1"}
}

func (echoHandler) HandleAppendEntries(args *transport.AppendEntriesArgs) *transport.AppendEntriesReply {
	return &transport.AppendEntriesReply{Term: args.Term, Success: true, ConflictIndex: args.PrevLogIndex}
}

func (echoHandler) HandleInstallSnapshot(args *transport.InstallSnapshotArgs) *transport.InstallSnapshotReply {
	return &transport.InstallSnapshotReply{Term: args.Term}
}

func TestGRPCRoundTripThroughGobCodec(t *testing.T) {
	srv := NewServer("127.0.0.1:0", echoHandler{})
	errCh, err := srv.Start()
	require.NoError(t, err)
	defer srv.Stop()

	client := NewTransport(map[string]string{"target": srv.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	voteReply, err := client.RequestVote(ctx, "target", &transport.RequestVoteArgs{Term: 5, CandidateID: "n1"})
	require.NoError(t, err)
	require.Equal(t, uint64(6), voteReply.Term)
	require.True(t, voteReply.VoteGranted)

	appendReply, err := client.AppendEntries(ctx, "target", &transport.AppendEntriesArgs{Term: 5, LeaderID: "n1", PrevLogIndex: 3})
	require.NoError(t, err)
	require.True(t, appendReply.Success)
	require.Equal(t, uint64(3), appendReply.ConflictIndex)

	select {
	case err := <-errCh:
		t.Fatalf("server reported unexpected error: %v", err)
	default:
	}
}

type stubManagement struct {
	echoHandler
}

func (stubManagement) Propose(_ context.Context, data []byte) (transport.ProposeReply, error) {
	return transport.ProposeReply{Success: true, Index: uint64(len(data))}, nil
}

func (stubManagement) GetLeader(context.Context) (transport.GetLeaderReply, error) {
	return transport.GetLeaderReply{Known: true, LeaderID: "n1", LeaderAddr: "n1:0"}, nil
}

func (stubManagement) GetConfiguration(context.Context) (raftconfig.Config, error) {
	return raftconfig.Stable([]raftconfig.ServerInfo{{ID: "n1", Address: "n1:0", Voting: true}}), nil
}

func (stubManagement) SetConfiguration(_ context.Context, servers []raftconfig.ServerInfo) (transport.SetConfigurationReply, error) {
	return transport.SetConfigurationReply{Success: len(servers) > 0}, nil
}

func TestGRPCManagementRoundTrip(t *testing.T) {
	srv := NewServer("127.0.0.1:0", stubManagement{})
	_, err := srv.Start()
	require.NoError(t, err)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := DialManagement(ctx, srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	prop, err := client.Propose(ctx, []byte("abc"))
	require.NoError(t, err)
	require.True(t, prop.Success)
	require.Equal(t, uint64(3), prop.Index)

	leader, err := client.GetLeader(ctx)
	require.NoError(t, err)
	require.True(t, leader.Known)
	require.Equal(t, "n1", leader.LeaderID)

	cfg, err := client.GetConfiguration(ctx)
	require.NoError(t, err)
	require.True(t, cfg.Config.Contains("n1"))

	set, err := client.SetConfiguration(ctx, []raftconfig.ServerInfo{{ID: "n2", Address: "n2:0", Voting: true}})
	require.NoError(t, err)
	require.True(t, set.Success)
}

func TestGRPCUnknownPeer(t *testing.T) {
	client := NewTransport(nil)
	defer client.Close()
	_, err := client.RequestVote(context.Background(), "ghost", &transport.RequestVoteArgs{})
	require.Error(t, err)
}
