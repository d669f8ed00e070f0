package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	voteGranted bool
}

func (s *stubHandler) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	return &RequestVoteReply{Term: args.Term, VoteGranted: s.voteGranted}
}
func (s *stubHandler) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	return &AppendEntriesReply{Term: args.Term, Success: true}
}
func (s *stubHandler) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	return &InstallSnapshotReply{Term: args.Term}
}

func TestLocalTransportDispatches(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("n2", &stubHandler{voteGranted: true})

	reply, err := tr.RequestVote(context.Background(), "n2", &RequestVoteArgs{Term: 1, CandidateID: "n1"})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
}

func TestLocalTransportUnknownTarget(t *testing.T) {
	tr := NewLocalTransport()
	_, err := tr.AppendEntries(context.Background(), "ghost", &AppendEntriesArgs{LeaderID: "n1"})
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestLocalTransportPartitionAndHeal(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("n1", &stubHandler{})
	tr.Register("n2", &stubHandler{})
	tr.Register("n3", &stubHandler{})

	tr.Partition("n1")
	_, err := tr.AppendEntries(context.Background(), "n2", &AppendEntriesArgs{LeaderID: "n1"})
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = tr.AppendEntries(context.Background(), "n1", &AppendEntriesArgs{LeaderID: "n2"})
	require.ErrorIs(t, err, ErrNodeNotFound)

	tr.Heal("n1")
	_, err = tr.AppendEntries(context.Background(), "n2", &AppendEntriesArgs{LeaderID: "n1"})
	require.NoError(t, err)
}

func TestLocalTransportRespectsContextTimeout(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("n2", &stubHandler{})
	tr.SetLatency(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := tr.AppendEntries(ctx, "n2", &AppendEntriesArgs{LeaderID: "n1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalTransportOneDirectionalDisconnect(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("n1", &stubHandler{})
	tr.Register("n2", &stubHandler{})

	tr.Disconnect("n1", "n2")
	_, err := tr.AppendEntries(context.Background(), "n2", &AppendEntriesArgs{LeaderID: "n1"})
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = tr.AppendEntries(context.Background(), "n1", &AppendEntriesArgs{LeaderID: "n2"})
	require.NoError(t, err)

	tr.Connect("n1", "n2")
	_, err = tr.AppendEntries(context.Background(), "n2", &AppendEntriesArgs{LeaderID: "n1"})
	require.NoError(t, err)
}
