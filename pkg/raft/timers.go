package raft

import "github.com/quorumdb/raft/pkg/timer"

// timerPump relays timer fires into the actor's command queue. It exists
// only because timer.Timer delivers onto a plain channel rather than the
// cmdCh directly: wrapping each Elapsed in a cmdTimer keeps every path into
// the actor going through the same raftCommand interface.
func (n *Node) timerPump() {
	for {
		select {
		case e := <-n.timerCh:
			if !n.enqueue(cmdTimer{elapsed: e}) {
				return
			}
		case <-n.doneCh:
			return
		}
	}
}

// handleTimerElapsed dispatches a fired timer, discarding it if a Reset or
// Stop has since moved that timer to a newer generation; stale fires are
// ignored rather than synchronously drained.
func (n *Node) handleTimerElapsed(e timer.Elapsed) {
	switch e.Kind {
	case timer.Election:
		if e.Generation != n.timers.ElectionT.Generation() {
			return
		}
		if n.ns.state == Leader {
			return
		}
		n.startElection()
	case timer.Heartbeat:
		if e.Generation != n.timers.Heartbeat.Generation() {
			return
		}
		if n.ns.state != Leader {
			return
		}
		n.timers.ResetHeartbeat()
		n.replicateToAll()
	case timer.Snapshot:
		if e.Generation != n.timers.SnapshotT.Generation() {
			return
		}
		n.timers.ResetSnapshot()
		n.maybeTakeSnapshot()
	}
}
