package grpc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/quorumdb/raft/pkg/transport"
)

// Server listens for the RaftService on a TCP address and dispatches to
// a transport.Handler (normally a *pkg/raft.Node).
type Server struct {
	addr     string
	grpcSrv  *grpc.Server
	listener net.Listener
}

// NewServer constructs a Server bound to addr (not yet listening; call
// Start) that dispatches RaftService calls to h. When h also implements
// the management surface (as *pkg/raft.Node does), the RaftManagement
// service is registered alongside it.
func NewServer(addr string, h transport.Handler) *Server {
	s := grpc.NewServer()
	RegisterRaftServiceServer(s, h)
	if m, ok := h.(transport.Management); ok {
		RegisterRaftManagementServer(s, m)
	}
	return &Server{addr: addr, grpcSrv: s}
}

// Start begins listening and serving in a background goroutine. Serve
// errors after a graceful Stop are not reported; any other Serve error is
// sent to errCh.
func (s *Server) Start() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: listen %s: %w", s.addr, err)
	}
	s.listener = lis

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr returns the address the server ended up listening on (useful when
// addr was passed as ":0").
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down, waiting for in-flight RPCs to
// finish.
func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()
}
