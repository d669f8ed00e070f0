package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/quorumdb/raft/pkg/transport"
)

const (
	serviceName               = "raft.RaftService"
	fullMethodRequestVote     = "/" + serviceName + "/RequestVote"
	fullMethodAppendEntries   = "/" + serviceName + "/AppendEntries"
	fullMethodInstallSnapshot = "/" + serviceName + "/InstallSnapshot"
)

// RegisterRaftServiceServer registers h as the implementation of the
// RaftService on s, the hand-written equivalent of the Register*Server
// function protoc-gen-go-grpc would otherwise emit.
func RegisterRaftServiceServer(s *grpc.Server, h transport.Handler) {
	s.RegisterService(&raftServiceDesc, h)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleRequestVote(in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodRequestVote}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleRequestVote(req.(*transport.RequestVoteArgs)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleAppendEntries(in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodAppendEntries}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleAppendEntries(req.(*transport.AppendEntriesArgs)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.InstallSnapshotArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleInstallSnapshot(in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodInstallSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleInstallSnapshot(req.(*transport.InstallSnapshotArgs)), nil
	}
	return interceptor(ctx, in, info, handler)
}

// raftServiceDesc is the hand-written substitute for what
// protoc-gen-go-grpc generates from a .proto file. Its shape (ServiceName,
// per-method Handler funcs, Metadata) is exactly what grpc.Server expects
// from generated code; only the source is different.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftgob/raft_service.go",
}
