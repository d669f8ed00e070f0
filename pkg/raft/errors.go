package raft

import "errors"

var (
	// ErrNotLeader is returned by Propose/SetConfiguration when this node
	// does not believe itself to be the leader.
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrConfigChangePending is returned by SetConfiguration when a
	// configuration transition is already in progress.
	ErrConfigChangePending = errors.New("raft: a configuration change is already in progress")
	// ErrShuttingDown is returned to any command that arrives at or after
	// the node has begun shutting down.
	ErrShuttingDown = errors.New("raft: node is shutting down")
)
