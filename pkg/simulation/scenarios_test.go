package simulation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/statemachine"
)

func setCmd(key, value string) []byte {
	payload, err := statemachine.EncodeCommand(statemachine.Command{
		Type: statemachine.CommandSet, Key: key, Value: []byte(value),
	})
	if err != nil {
		panic(err)
	}
	return payload
}

func TestBasicProposeCommit(t *testing.T) {
	c, err := New(5, 1)
	require.NoError(t, err)
	defer c.Stop()
	c.Start()

	leader := c.WaitForLeader(2 * time.Second)
	require.NotNil(t, leader, "seed %d: no leader elected", c.Seed())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := leader.Node.Propose(ctx, setCmd("k", "x"))
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.GreaterOrEqual(t, reply.Index, uint64(2)) // index 1 is the election noop

	for _, m := range c.Members {
		require.Eventually(t, func() bool {
			return m.Store.AppliedThrough() >= reply.Index
		}, 2*time.Second, 10*time.Millisecond, "member %s never applied index %d", m.ID, reply.Index)
	}
}

func TestLeaderFailureMidFlight(t *testing.T) {
	c, err := New(5, 2)
	require.NoError(t, err)
	defer c.Stop()
	c.Start()

	leader := c.WaitForLeader(2 * time.Second)
	require.NotNil(t, leader)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err = leader.Node.Propose(ctx, setCmd("k", "warmup"))
	cancel()
	require.NoError(t, err)

	leader.Node.Stop()

	var newLeader *Member
	require.Eventually(t, func() bool {
		newLeader = c.Leader()
		return newLeader != nil && newLeader.ID != leader.ID
	}, 3*time.Second, 10*time.Millisecond, "no new leader emerged after leader failure")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	reply, err := newLeader.Node.Propose(ctx2, setCmd("k", "y"))
	require.NoError(t, err)
	require.True(t, reply.Success)
}

func TestSnapshotInstallCatchesUpFrozenPeer(t *testing.T) {
	c, err := New(5, 3)
	require.NoError(t, err)
	defer c.Stop()
	c.Start()

	leader := c.WaitForLeader(2 * time.Second)
	require.NotNil(t, leader)

	frozen := -1
	for i, m := range c.Members {
		if m.ID != leader.ID {
			frozen = i
			break
		}
	}
	require.GreaterOrEqual(t, frozen, 0)
	c.Partition(frozen)

	var lastIndex uint64
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		reply, err := c.Propose(ctx, setCmd(fmt.Sprintf("k%d", i), "v"), 3)
		cancel()
		if err == nil && reply.Success {
			lastIndex = reply.Index
		}
	}
	require.Greater(t, lastIndex, uint64(64)) // above the default snapshot threshold

	// Hold the partition until the snapshot timer has fired and compacted
	// the leader's log past what the frozen peer has, so catching up
	// genuinely requires an InstallSnapshot stream rather than a long
	// AppendEntries backfill.
	require.Eventually(t, func() bool {
		l := c.Leader()
		return l != nil && l.Log.StartIndex() > 1
	}, 10*time.Second, 50*time.Millisecond, "leader never compacted its log")

	c.Heal(frozen)
	require.Eventually(t, func() bool {
		return c.Members[frozen].Store.AppliedThrough() >= lastIndex
	}, 10*time.Second, 20*time.Millisecond, "frozen peer never caught up via snapshot")
}

func TestMembershipChangeAddOne(t *testing.T) {
	c, err := New(3, 4)
	require.NoError(t, err)
	defer c.Stop()
	c.Start()

	leader := c.WaitForLeader(2 * time.Second)
	require.NotNil(t, leader)

	_, err = c.AddMember("sim-3")
	require.NoError(t, err)

	servers := make([]raftconfig.ServerInfo, 0, 4)
	for _, m := range c.Members {
		servers = append(servers, raftconfig.ServerInfo{ID: m.ID, Address: m.ID, Voting: true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := leader.Node.SetConfiguration(ctx, servers)
	require.NoError(t, err)
	require.True(t, reply.Success, reply.Error)

	cfg, err := leader.Node.GetConfiguration(context.Background())
	require.NoError(t, err)
	require.False(t, cfg.IsJoint())
	require.True(t, cfg.Contains("sim-3"))
}

func TestMembershipChangeRemoveSelf(t *testing.T) {
	c, err := New(3, 5)
	require.NoError(t, err)
	defer c.Stop()
	c.Start()

	leader := c.WaitForLeader(2 * time.Second)
	require.NotNil(t, leader)

	remaining := make([]raftconfig.ServerInfo, 0, 2)
	for _, m := range c.Members {
		if m.ID != leader.ID {
			remaining = append(remaining, raftconfig.ServerInfo{ID: m.ID, Address: m.ID, Voting: true})
		}
	}
	require.Len(t, remaining, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := leader.Node.SetConfiguration(ctx, remaining)
	require.NoError(t, err)
	require.True(t, reply.Success, reply.Error)

	require.Eventually(t, func() bool {
		select {
		case <-leader.Node.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "removed leader never shut itself down")

	require.Eventually(t, func() bool {
		newLeader := c.Leader()
		return newLeader != nil && newLeader.ID != leader.ID
	}, 2*time.Second, 10*time.Millisecond, "no replacement leader emerged after remove-self")
}
