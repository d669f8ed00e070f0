package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quorumdb/raft/pkg/raftconfig"
)

// clusterFile is the shape of a -cluster YAML file: one entry per server in
// the bootstrap configuration.
type clusterFile struct {
	Servers []clusterServer `yaml:"servers"`
}

type clusterServer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Voting  *bool  `yaml:"voting"`
}

func loadClusterFile(path string) ([]raftconfig.ServerInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("raftd: read cluster file: %w", err)
	}
	var cf clusterFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("raftd: parse cluster file: %w", err)
	}
	servers := make([]raftconfig.ServerInfo, 0, len(cf.Servers))
	for _, s := range cf.Servers {
		voting := true
		if s.Voting != nil {
			voting = *s.Voting
		}
		servers = append(servers, raftconfig.ServerInfo{ID: s.ID, Address: s.Address, Voting: voting})
	}
	return servers, nil
}

// parsePeersFlag parses the `-peers id1=addr1,id2=addr2,...` shorthand
// accepted in place of a cluster file.
func parsePeersFlag(peers string) ([]raftconfig.ServerInfo, error) {
	var servers []raftconfig.ServerInfo
	for _, pair := range strings.Split(peers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("raftd: invalid -peers entry %q, want id=addr", pair)
		}
		servers = append(servers, raftconfig.ServerInfo{ID: parts[0], Address: parts[1], Voting: true})
	}
	return servers, nil
}
