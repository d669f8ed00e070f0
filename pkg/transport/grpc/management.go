package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

const (
	managementServiceName      = "raft.RaftManagement"
	fullMethodPropose          = "/" + managementServiceName + "/Propose"
	fullMethodGetLeader        = "/" + managementServiceName + "/GetLeader"
	fullMethodGetConfiguration = "/" + managementServiceName + "/GetConfiguration"
	fullMethodSetConfiguration = "/" + managementServiceName + "/SetConfiguration"
)

// RegisterRaftManagementServer registers m as the implementation of the
// RaftManagement service on s.
func RegisterRaftManagementServer(s *grpc.Server, m transport.Management) {
	s.RegisterService(&raftManagementDesc, m)
}

func proposeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.ProposeArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
		reply, err := srv.(transport.Management).Propose(ctx, req.(*transport.ProposeArgs).Data)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	}
	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodPropose}
	return interceptor(ctx, in, info, invoke)
}

func getLeaderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.GetLeaderArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, _ interface{}) (interface{}, error) {
		reply, err := srv.(transport.Management).GetLeader(ctx)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	}
	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodGetLeader}
	return interceptor(ctx, in, info, invoke)
}

func getConfigurationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.GetConfigurationArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, _ interface{}) (interface{}, error) {
		cfg, err := srv.(transport.Management).GetConfiguration(ctx)
		if err != nil {
			return nil, err
		}
		return &transport.GetConfigurationReply{Config: cfg}, nil
	}
	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodGetConfiguration}
	return interceptor(ctx, in, info, invoke)
}

func setConfigurationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.SetConfigurationArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
		reply, err := srv.(transport.Management).SetConfiguration(ctx, req.(*transport.SetConfigurationArgs).NewServers)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	}
	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodSetConfiguration}
	return interceptor(ctx, in, info, invoke)
}

var raftManagementDesc = grpc.ServiceDesc{
	ServiceName: managementServiceName,
	HandlerType: (*transport.Management)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Propose", Handler: proposeHandler},
		{MethodName: "GetLeader", Handler: getLeaderHandler},
		{MethodName: "GetConfiguration", Handler: getConfigurationHandler},
		{MethodName: "SetConfiguration", Handler: setConfigurationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftgob/raft_management.go",
}

// ManagementClient drives the management surface of one remote node, for
// operator tooling and clients outside the cluster. A failed reply carrying
// a LeaderAddr hint means the target is not the leader; callers follow the
// hint by dialing a fresh client at that address.
type ManagementClient struct {
	addr string
	conn *grpc.ClientConn
}

// DialManagement connects a ManagementClient to addr.
func DialManagement(ctx context.Context, addr string) (*ManagementClient, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: dial %s: %w", addr, err)
	}
	return &ManagementClient{addr: addr, conn: conn}, nil
}

// Close tears down the client's connection.
func (c *ManagementClient) Close() error { return c.conn.Close() }

// Propose submits data for replication via the remote node.
func (c *ManagementClient) Propose(ctx context.Context, data []byte) (*transport.ProposeReply, error) {
	reply := new(transport.ProposeReply)
	if err := c.conn.Invoke(ctx, fullMethodPropose, &transport.ProposeArgs{Data: data}, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: Propose to %s: %w", c.addr, err)
	}
	return reply, nil
}

// GetLeader queries the remote node's view of cluster leadership.
func (c *ManagementClient) GetLeader(ctx context.Context) (*transport.GetLeaderReply, error) {
	reply := new(transport.GetLeaderReply)
	if err := c.conn.Invoke(ctx, fullMethodGetLeader, &transport.GetLeaderArgs{}, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: GetLeader to %s: %w", c.addr, err)
	}
	return reply, nil
}

// GetConfiguration queries the remote node's effective configuration.
func (c *ManagementClient) GetConfiguration(ctx context.Context) (*transport.GetConfigurationReply, error) {
	reply := new(transport.GetConfigurationReply)
	if err := c.conn.Invoke(ctx, fullMethodGetConfiguration, &transport.GetConfigurationArgs{}, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: GetConfiguration to %s: %w", c.addr, err)
	}
	return reply, nil
}

// SetConfiguration asks the remote node to run a membership change to
// servers. It only succeeds on the leader.
func (c *ManagementClient) SetConfiguration(ctx context.Context, servers []raftconfig.ServerInfo) (*transport.SetConfigurationReply, error) {
	reply := new(transport.SetConfigurationReply)
	if err := c.conn.Invoke(ctx, fullMethodSetConfiguration, &transport.SetConfigurationArgs{NewServers: servers}, reply); err != nil {
		return nil, fmt.Errorf("transport/grpc: SetConfiguration to %s: %w", c.addr, err)
	}
	return reply, nil
}
