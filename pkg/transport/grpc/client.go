package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quorumdb/raft/pkg/transport"
)

// Transport implements transport.Transport over real gRPC connections:
// one lazily-dialed connection per peer, addresses resolved from a static
// peerAddrs map (cluster membership changes rotate this via SetPeerAddr,
// they do not require rebuilding the Transport).
type Transport struct {
	mu        sync.RWMutex
	peerAddrs map[string]string
	conns     map[string]*grpc.ClientConn

	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewTransport constructs a client-side Transport. peerAddrs maps peer IDs
// (as they appear in raftconfig.ServerInfo.ID) to dial targets (host:port).
func NewTransport(peerAddrs map[string]string) *Transport {
	addrs := make(map[string]string, len(peerAddrs))
	for k, v := range peerAddrs {
		addrs[k] = v
	}
	return &Transport{
		peerAddrs:   addrs,
		conns:       make(map[string]*grpc.ClientConn),
		dialTimeout: 2 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// SetPeerAddr updates (or adds) the dial target for a peer ID, e.g. after
// a SetConfiguration call adds a new voter.
func (t *Transport) SetPeerAddr(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[id] = addr
}

// Close tears down every open connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close conn to %s: %w", id, err)
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}

func (t *Transport) connFor(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	addr, ok := t.peerAddrs[target]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport/grpc: unknown peer %s", target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: dial %s: %w", addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *Transport) callTimeoutCtx(ctx context.Context, mult time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.callTimeout*mult)
}

// RequestVote invokes the RequestVote RPC against target.
func (t *Transport) RequestVote(ctx context.Context, target string, args *transport.RequestVoteArgs) (*transport.RequestVoteReply, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.callTimeoutCtx(ctx, 1)
	defer cancel()
	reply := new(transport.RequestVoteReply)
	if err := conn.Invoke(ctx, fullMethodRequestVote, args, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: RequestVote to %s: %w", target, err)
	}
	return reply, nil
}

// AppendEntries invokes the AppendEntries RPC against target.
func (t *Transport) AppendEntries(ctx context.Context, target string, args *transport.AppendEntriesArgs) (*transport.AppendEntriesReply, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.callTimeoutCtx(ctx, 1)
	defer cancel()
	reply := new(transport.AppendEntriesReply)
	if err := conn.Invoke(ctx, fullMethodAppendEntries, args, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: AppendEntries to %s: %w", target, err)
	}
	return reply, nil
}

// InstallSnapshot invokes the InstallSnapshot RPC against target. Snapshot
// chunks can be large, so this call is given a longer timeout than the
// other two.
func (t *Transport) InstallSnapshot(ctx context.Context, target string, args *transport.InstallSnapshotArgs) (*transport.InstallSnapshotReply, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.callTimeoutCtx(ctx, 2)
	defer cancel()
	reply := new(transport.InstallSnapshotReply)
	if err := conn.Invoke(ctx, fullMethodInstallSnapshot, args, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: InstallSnapshot to %s: %w", target, err)
	}
	return reply, nil
}
