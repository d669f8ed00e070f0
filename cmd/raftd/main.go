// Command raftd is a minimal bootstrap binary wiring the consensus core,
// the gRPC transport, and a small HTTP management surface into a runnable
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quorumdb/raft/pkg/api"
	"github.com/quorumdb/raft/pkg/logging"
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/metadatastore"
	"github.com/quorumdb/raft/pkg/raft"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/statemachine"
	rgrpc "github.com/quorumdb/raft/pkg/transport/grpc"
)

func main() {
	id := flag.String("id", "", "this server's ID")
	addr := flag.String("addr", "", "gRPC listen address (e.g. localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP management listen address (e.g. localhost:8000)")
	dataDir := flag.String("data", "", "durable state directory")
	clusterPath := flag.String("cluster", "", "path to a cluster.yaml bootstrap file")
	peersFlag := flag.String("peers", "", "comma-separated id=addr bootstrap peers, alternative to -cluster")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	// No logger exists yet: these bootstrap-error exits are the only places
	// in the whole module that use the bare log package.
	if *id == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		log.Fatal("raftd: -id, -addr, and -http are required")
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/raftd-%s", *id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("raftd: create data dir: %v", err)
	}

	var bootstrap []raftconfig.ServerInfo
	var err error
	switch {
	case *clusterPath != "":
		bootstrap, err = loadClusterFile(*clusterPath)
	case *peersFlag != "":
		bootstrap, err = parsePeersFlag(*peersFlag)
	}
	if err != nil {
		log.Fatalf("raftd: %v", err)
	}
	if !containsID(bootstrap, *id) {
		bootstrap = append(bootstrap, raftconfig.ServerInfo{ID: *id, Address: *addr, Voting: true})
	}

	logger := logging.New(logging.Config{Level: logging.Level(*logLevel)})
	peerAddrs := make(map[string]string, len(bootstrap))
	for _, s := range bootstrap {
		peerAddrs[s.ID] = s.Address
	}

	metaStore, err := metadatastore.Open(dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open metadata store")
	}
	entryLog, err := logstore.Open(dir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open log store")
	}
	snaps, err := snapshotstore.Open(dir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open snapshot store")
	}
	store := statemachine.NewKVStore()
	client := rgrpc.NewTransport(peerAddrs)

	node, err := raft.New(raft.DefaultConfig(*id, bootstrap), raft.Deps{
		Metadata:     metaStore,
		Log:          entryLog,
		Snapshots:    snaps,
		StateMachine: store,
		Transport:    client,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct node")
	}

	server := rgrpc.NewServer(*addr, node)
	serverErrs, err := server.Start()
	if err != nil {
		logger.Fatal().Err(err).Msg("start gRPC server")
	}

	node.Start()

	httpServer := &http.Server{Addr: *httpAddr, Handler: api.NewHandler(node, store)}
	go func() {
		logger.Info().Str("addr", *httpAddr).Msg("http management listener starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	logger.Info().Str("id", *id).Str("addr", *addr).Msg("raftd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErrs:
		if err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped unexpectedly")
		}
	case <-node.Done():
		logger.Info().Msg("node shut itself down (removed from cluster)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	server.Stop()
	node.Stop()
	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("closing gRPC client connections")
	}
	if err := metaStore.Close(); err != nil {
		logger.Error().Err(err).Msg("closing metadata store")
	}

	logger.Info().Msg("raftd shutdown complete")
}

func containsID(servers []raftconfig.ServerInfo, id string) bool {
	for _, s := range servers {
		if s.ID == id {
			return true
		}
	}
	return false
}
