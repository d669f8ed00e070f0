// Package simulation runs a real multi-node cluster in a single process
// over pkg/transport.LocalTransport, for exercising end-to-end cluster
// behavior: elections, replication, leader failure, snapshot catch-up, and
// membership changes. It uses real time.AfterFunc timers rather than a
// virtual clock, since Node schedules against real time itself; a
// registered set of nodes shares one transport that can inject partitions
// and latency, with polling helpers to observe convergence.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/metadatastore"
	"github.com/quorumdb/raft/pkg/raft"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/statemachine"
	"github.com/quorumdb/raft/pkg/transport"
)

// Member bundles one simulated node together with the durable stores and
// state machine backing it, so a test can inspect committed state (via
// Store) independently of going through the node's own Propose path.
type Member struct {
	ID    string
	Node  *raft.Node
	Store *statemachine.KVStore
	Log   *logstore.Log
	dir   string
}

// Cluster is a deterministic-seed, real-time multi-node harness.
type Cluster struct {
	Transport *transport.LocalTransport
	Members   []*Member
	seed      int64
	rng       *rand.Rand
	baseDir   string
}

// New builds a size-node cluster sharing one LocalTransport, each member
// durable state rooted under its own subdirectory of a fresh temp dir.
// Nodes are constructed but not started; call Start.
func New(size int, seed int64) (*Cluster, error) {
	baseDir, err := os.MkdirTemp("", "raft-sim-")
	if err != nil {
		return nil, fmt.Errorf("simulation: create base dir: %w", err)
	}

	lt := transport.NewLocalTransport()
	servers := make([]raftconfig.ServerInfo, size)
	ids := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("sim-%d", i)
		servers[i] = raftconfig.ServerInfo{ID: ids[i], Address: ids[i], Voting: true}
	}

	c := &Cluster{
		Transport: lt,
		Members:   make([]*Member, size),
		seed:      seed,
		rng:       rand.New(rand.NewSource(seed)),
		baseDir:   baseDir,
	}

	for i := 0; i < size; i++ {
		m, err := c.newMember(ids[i], servers)
		if err != nil {
			return nil, err
		}
		c.Members[i] = m
	}

	return c, nil
}

// newMember constructs and registers one node, rooted under its own
// subdirectory of the cluster's base dir. bootstrap seeds the node's
// configuration if neither its log nor a snapshot carries a newer
// CONFIGURATION entry; a node joining an already-running cluster via
// AddMember gets a nil bootstrap, so it starts out a member of nothing and
// stays a passive follower until the leader's log tells it otherwise.
func (c *Cluster) newMember(id string, bootstrap []raftconfig.ServerInfo) (*Member, error) {
	dir := fmt.Sprintf("%s/%s", c.baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("simulation: create node dir: %w", err)
	}

	logger := zerolog.Nop()
	metaStore, err := metadatastore.Open(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("simulation: open metadata store: %w", err)
	}
	log, err := logstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("simulation: open log store: %w", err)
	}
	snaps, err := snapshotstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("simulation: open snapshot store: %w", err)
	}
	store := statemachine.NewKVStore()

	cfg := raft.DefaultConfig(id, bootstrap)
	node, err := raft.New(cfg, raft.Deps{
		Metadata:     metaStore,
		Log:          log,
		Snapshots:    snaps,
		StateMachine: store,
		Transport:    c.Transport,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("simulation: construct node %s: %w", id, err)
	}

	c.Transport.Register(id, node)
	return &Member{ID: id, Node: node, Store: store, Log: log, dir: dir}, nil
}

// AddMember constructs one more node with the given id, registers it on the
// cluster's shared transport, starts it, and appends it to Members. It does
// not itself change any existing node's configuration; the caller still
// needs to drive a SetConfiguration call through the leader so the new
// member actually becomes a voting part of the cluster.
func (c *Cluster) AddMember(id string) (*Member, error) {
	m, err := c.newMember(id, nil)
	if err != nil {
		return nil, err
	}
	m.Node.Start()
	c.Members = append(c.Members, m)
	return m, nil
}

// Seed returns the seed this cluster was built with, for reproducing a
// failure.
func (c *Cluster) Seed() int64 { return c.seed }

// Start starts every member's actor.
func (c *Cluster) Start() {
	for _, m := range c.Members {
		m.Node.Start()
	}
}

// Stop gracefully stops every member and removes the on-disk state.
func (c *Cluster) Stop() {
	for _, m := range c.Members {
		m.Node.Stop()
	}
	os.RemoveAll(c.baseDir)
}

// Leader returns the member that currently believes itself to be leader,
// or nil if none does (this is inherently racy: two nodes can disagree
// for the duration of an election, and that is fine for a harness whose
// job is to observe eventual convergence, not to assert linearizability).
func (c *Cluster) Leader() *Member {
	for _, m := range c.Members {
		if m.Node.IsLeader() {
			return m
		}
	}
	return nil
}

// WaitForLeader polls Leader until one appears or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) *Member {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Partition isolates member idx from every other member, in both
// directions.
func (c *Cluster) Partition(idx int) {
	c.Transport.Partition(c.Members[idx].ID)
}

// Heal restores every connection to and from member idx.
func (c *Cluster) Heal(idx int) {
	c.Transport.Heal(c.Members[idx].ID)
}

// HealAll clears every partition in the cluster.
func (c *Cluster) HealAll() {
	c.Transport.HealAll()
}

// RandomPartition isolates a uniformly random member and returns its
// index, for fuzz-style scenario tests that don't care which one.
func (c *Cluster) RandomPartition() int {
	idx := c.rng.Intn(len(c.Members))
	c.Partition(idx)
	return idx
}

// SetLatency applies an artificial per-RPC delay across the whole cluster.
func (c *Cluster) SetLatency(d time.Duration) {
	c.Transport.SetLatency(d)
}

// Propose submits data to whichever member is currently leader, retrying
// against a fresher leader hint if the first attempt lands on a follower.
// It gives up once attempts run out, returning the last error seen.
func (c *Cluster) Propose(ctx context.Context, data []byte, attempts int) (transport.ProposeReply, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		reply, err := leader.Node.Propose(ctx, data)
		if err != nil {
			return transport.ProposeReply{}, err
		}
		if reply.Success {
			return reply, nil
		}
		lastErr = fmt.Errorf("simulation: propose rejected: %s", reply.Error)
		time.Sleep(20 * time.Millisecond)
	}
	return transport.ProposeReply{}, lastErr
}
