package raft

import (
	"github.com/quorumdb/raft/pkg/logstore"
	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/transport"
)

// handlePropose appends a DATA entry for c.data and replicates it. The
// caller's reply is not sent here: it is stashed in pendingProposals and
// delivered by handleEntryApplied once the entry actually applies, so a
// successful reply always means the command reached the state machine.
func (n *Node) handlePropose(c cmdPropose) {
	if n.ns.state != Leader {
		c.result <- transport.ProposeReply{Success: false, Error: ErrNotLeader.Error(), LeaderAddr: n.leaderHint()}
		return
	}
	term := n.metadata.Get().CurrentTerm
	indices := n.logStore.AppendData(term, logstore.DataEntry, [][]byte{c.data})
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		c.result <- transport.ProposeReply{Success: false, Error: err.Error()}
		return
	}
	index := indices[0]
	n.ns.pendingProposals[index] = c.result
	n.onLogAppended()
}

// handleSetConfiguration starts a joint-consensus membership transition.
// It replies only once the whole transition finishes: the joint entry commits, the leader then proposes
// the finalized C_new, and that commits too.
func (n *Node) handleSetConfiguration(c cmdSetConfiguration) {
	if n.ns.state != Leader {
		c.result <- transport.SetConfigurationReply{Success: false, Error: ErrNotLeader.Error(), LeaderAddr: n.leaderHint()}
		return
	}
	if n.ns.effectiveConfig.IsJoint() || n.ns.pendingSetConfig != nil {
		c.result <- transport.SetConfigurationReply{Success: false, Error: ErrConfigChangePending.Error()}
		return
	}

	joint, err := n.ns.effectiveConfig.StartTransition(c.servers)
	if err != nil {
		c.result <- transport.SetConfigurationReply{Success: false, Error: err.Error()}
		return
	}
	payload, err := joint.Encode()
	if err != nil {
		c.result <- transport.SetConfigurationReply{Success: false, Error: err.Error()}
		return
	}

	term := n.metadata.Get().CurrentTerm
	indices := n.logStore.AppendData(term, logstore.ConfigurationEntry, [][]byte{payload})
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		c.result <- transport.SetConfigurationReply{Success: false, Error: err.Error()}
		return
	}

	n.applyConfigEntryOptimistic(joint)
	n.ns.pendingSetConfig = c.result
	n.ns.pendingSetConfigIndex = indices[0]
	n.onLogAppended()
}

// onConfigurationCommitted runs whenever a CONFIGURATION entry applies,
// on every node. A leader seeing its own joint entry commit proposes the
// finalized C_new; any node seeing a stable configuration commit that no
// longer contains it shuts down.
func (n *Node) onConfigurationCommitted(index uint64, cfg raftconfig.Config) {
	if n.ns.state == Leader && cfg.IsJoint() {
		n.proposeFinalizedConfiguration(cfg)
	}

	if !cfg.IsJoint() && n.ns.pendingSetConfig != nil && index == n.ns.pendingSetConfigIndex {
		n.ns.pendingSetConfig <- transport.SetConfigurationReply{Success: true}
		n.ns.pendingSetConfig = nil
		n.ns.pendingSetConfigIndex = 0
	}

	if !cfg.IsJoint() && !cfg.Contains(n.id) {
		n.log.Info().Msg("no longer a member of the committed configuration, shutting down")
		n.shutdownInternal()
	}
}

func (n *Node) proposeFinalizedConfiguration(joint raftconfig.Config) {
	final, err := joint.FinalizeTransition()
	if err != nil {
		n.log.Error().Err(err).Msg("finalize configuration transition failed")
		return
	}
	payload, err := final.Encode()
	if err != nil {
		n.log.Error().Err(err).Msg("encode finalized configuration failed")
		return
	}
	term := n.metadata.Get().CurrentTerm
	indices := n.logStore.AppendData(term, logstore.ConfigurationEntry, [][]byte{payload})
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		return
	}
	n.applyConfigEntryOptimistic(final)
	if n.ns.pendingSetConfig != nil {
		n.ns.pendingSetConfigIndex = indices[0]
	}
	n.onLogAppended()
}
