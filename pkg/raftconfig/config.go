// Package raftconfig implements the stable/joint cluster membership model
// and the quorum rules that follow from it.
package raftconfig

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// ServerInfo identifies one member of a configuration.
type ServerInfo struct {
	ID      string
	Address string
	Voting  bool
}

// Config is either stable (OldServers empty) or joint (both halves non-empty).
type Config struct {
	OldServers []ServerInfo
	NewServers []ServerInfo
}

// Stable builds a stable configuration from a server set.
func Stable(servers []ServerInfo) Config {
	return Config{NewServers: append([]ServerInfo(nil), servers...)}
}

// IsJoint reports whether the configuration is mid-transition.
func (c Config) IsJoint() bool {
	return len(c.OldServers) > 0 && len(c.NewServers) > 0
}

// Contains reports whether serverID appears in either half of the config.
func (c Config) Contains(serverID string) bool {
	for _, s := range c.OldServers {
		if s.ID == serverID {
			return true
		}
	}
	for _, s := range c.NewServers {
		if s.ID == serverID {
			return true
		}
	}
	return false
}

// Members returns the union of both halves, deduplicated by ID, old-first.
func (c Config) Members() []ServerInfo {
	seen := make(map[string]bool, len(c.OldServers)+len(c.NewServers))
	out := make([]ServerInfo, 0, len(c.OldServers)+len(c.NewServers))
	for _, s := range c.OldServers {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	for _, s := range c.NewServers {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	return out
}

// Address looks up the address of a member, searching both halves.
func (c Config) Address(serverID string) (string, bool) {
	for _, s := range c.Members() {
		if s.ID == serverID {
			return s.Address, true
		}
	}
	return "", false
}

// StartTransition moves a stable configuration into joint consensus.
// It rejects an already-joint configuration.
func (c Config) StartTransition(newServers []ServerInfo) (Config, error) {
	if c.IsJoint() {
		return Config{}, fmt.Errorf("raftconfig: %w: already joint", ErrConfigTransitionInProgress)
	}
	return Config{
		OldServers: append([]ServerInfo(nil), c.NewServers...),
		NewServers: append([]ServerInfo(nil), newServers...),
	}, nil
}

// FinalizeTransition collapses a joint configuration down to its new half.
// It rejects a configuration that is already stable.
func (c Config) FinalizeTransition() (Config, error) {
	if !c.IsJoint() {
		return Config{}, fmt.Errorf("raftconfig: %w: not joint", ErrConfigNotJoint)
	}
	return Config{NewServers: append([]ServerInfo(nil), c.NewServers...)}, nil
}

// HasQuorum reports whether grantedIDs forms a quorum of the configuration:
// a majority of a stable config, simultaneous majorities of both halves of a
// joint one. selfID folds the caller's own (always-granted) vote into
// whichever half(s) it is itself a member of, without the caller adding self
// to grantedIDs explicitly.
func (c Config) HasQuorum(grantedIDs map[string]bool, selfID string) bool {
	if !c.IsJoint() {
		return hasQuorumIn(c.NewServers, grantedIDs, selfID)
	}
	return hasQuorumIn(c.OldServers, grantedIDs, selfID) && hasQuorumIn(c.NewServers, grantedIDs, selfID)
}

func hasQuorumIn(servers []ServerInfo, grantedIDs map[string]bool, selfID string) bool {
	voters := 0
	granted := 0
	for _, s := range servers {
		if !s.Voting {
			continue
		}
		voters++
		if s.ID == selfID || grantedIDs[s.ID] {
			granted++
		}
	}
	if voters == 0 {
		return true
	}
	return granted > voters/2
}

// Encode gob-encodes the configuration for use as a CONFIGURATION log entry
// payload.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("raftconfig: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a gob-encoded CONFIGURATION payload.
func Decode(payload []byte) (Config, error) {
	var c Config
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("raftconfig: decode: %w", err)
	}
	return c, nil
}
