package raft

import (
	"context"
	"fmt"

	"github.com/quorumdb/raft/pkg/raftconfig"
	"github.com/quorumdb/raft/pkg/snapshotstore"
	"github.com/quorumdb/raft/pkg/transport"
)

// snapshotChunkSize bounds each InstallSnapshot RPC's payload, so a large
// state machine is streamed rather than sent in one oversized message.
const snapshotChunkSize = 32 * 1024

// maybeTakeSnapshot runs on every snapshot-timer tick: a snapshot is taken
// once commit_index has advanced far enough past the last one.
func (n *Node) maybeTakeSnapshot() {
	if n.cfg.SnapshotThreshold == 0 {
		return
	}
	commit := n.commitIndex.Load()
	if commit <= n.ns.snapshotLastIncludedIndex {
		return
	}
	if commit-n.ns.snapshotLastIncludedIndex < n.cfg.SnapshotThreshold {
		return
	}
	n.takeSnapshot(commit)
}

// takeSnapshot compacts the log through upTo, which must be at or before
// last_applied: the state machine can only attest to state it has
// actually applied.
func (n *Node) takeSnapshot(upTo uint64) {
	lastApplied := n.lastApplied.Load()
	if upTo > lastApplied {
		upTo = lastApplied
	}
	if upTo <= n.ns.snapshotLastIncludedIndex {
		return
	}

	var term uint64
	if entry, ok := n.logStore.Entry(upTo); ok {
		term = entry.Term
	} else if upTo == n.ns.snapshotLastIncludedIndex {
		term = n.ns.snapshotLastIncludedTerm
	} else {
		n.log.Warn().Uint64("index", upTo).Msg("cannot snapshot: entry not materialized")
		return
	}

	if err := n.sm.TakeSnapshot(n.snapshots.PayloadPath()); err != nil {
		n.log.Error().Err(err).Msg("state machine snapshot failed")
		return
	}
	cfgBytes, err := n.ns.effectiveConfig.Encode()
	if err != nil {
		n.log.Error().Err(err).Msg("encode snapshot configuration failed")
		return
	}
	if err := n.snapshots.TakeMetadata(upTo, term, cfgBytes); err != nil {
		n.fatal(err)
		return
	}
	if err := n.logStore.TruncatePrefixThrough(upTo); err != nil {
		n.fatal(err)
		return
	}
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		return
	}

	n.ns.snapshotLastIncludedIndex = upTo
	n.ns.snapshotLastIncludedTerm = term
	n.ns.snapshotConfigBytes = cfgBytes
	n.log.Info().Uint64("index", upTo).Uint64("term", term).Msg("took snapshot")
}

// sendSnapshotToPeer kicks off an outbound InstallSnapshot stream, unless
// one to this peer is already running.
func (n *Node) sendSnapshotToPeer(peerID, addr string) {
	if n.ns.sendingSnapshotTo[peerID] {
		return
	}
	_ = addr
	n.ns.sendingSnapshotTo[peerID] = true
	term := n.metadata.Get().CurrentTerm
	lastIncludedIndex := n.ns.snapshotLastIncludedIndex
	lastIncludedTerm := n.ns.snapshotLastIncludedTerm
	go n.streamSnapshotToPeer(peerID, term, lastIncludedIndex, lastIncludedTerm)
}

func (n *Node) streamSnapshotToPeer(peerID string, term, lastIncludedIndex, lastIncludedTerm uint64) {
	observedTerm, err := n.sendSnapshotChunks(peerID, term, lastIncludedIndex, lastIncludedTerm)
	n.enqueue(cmdSnapshotSent{
		peerID:            peerID,
		term:              term,
		lastIncludedIndex: lastIncludedIndex,
		lastIncludedTerm:  lastIncludedTerm,
		observedTerm:      observedTerm,
		err:               err,
	})
}

func (n *Node) sendSnapshotChunks(peerID string, term, lastIncludedIndex, lastIncludedTerm uint64) (uint64, error) {
	metaTerm, err := n.sendSnapshotStream(peerID, term, lastIncludedIndex, lastIncludedTerm, transport.SnapshotMetadata, snapshotstore.Metadata)
	if err != nil {
		return metaTerm, err
	}
	dataTerm, err := n.sendSnapshotStream(peerID, term, lastIncludedIndex, lastIncludedTerm, transport.SnapshotPayload, snapshotstore.Payload)
	if dataTerm > metaTerm {
		return dataTerm, err
	}
	return metaTerm, err
}

func (n *Node) sendSnapshotStream(peerID string, term, lastIncludedIndex, lastIncludedTerm uint64, wireKind transport.SnapshotChunkKind, storeKind snapshotstore.Kind) (uint64, error) {
	var offset uint64
	var highestTerm uint64
	for {
		chunk, done, err := n.snapshots.ReadChunk(storeKind, offset, snapshotChunkSize)
		if err != nil {
			return highestTerm, err
		}
		args := &transport.InstallSnapshotArgs{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
			Offset:            offset,
			Data:              chunk,
			Kind:              wireKind,
			Done:              done,
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.rpcTimeout()*2)
		reply, err := n.transport.InstallSnapshot(ctx, peerID, args)
		cancel()
		if err != nil {
			return highestTerm, err
		}
		if reply.Term > highestTerm {
			highestTerm = reply.Term
		}
		if reply.Term > term {
			return highestTerm, fmt.Errorf("raft: peer %s reported higher term %d", peerID, reply.Term)
		}
		offset += uint64(len(chunk))
		if done {
			return highestTerm, nil
		}
	}
}

func (n *Node) handleSnapshotSent(c cmdSnapshotSent) {
	delete(n.ns.sendingSnapshotTo, c.peerID)
	current := n.metadata.Get().CurrentTerm
	if c.observedTerm > current {
		n.stepDown(c.observedTerm)
		return
	}
	if c.err != nil {
		n.log.Debug().Err(c.err).Str("peer", c.peerID).Msg("install snapshot failed")
		return
	}
	if n.ns.state != Leader {
		return
	}
	n.peers.OnAppendSuccess(c.peerID, c.lastIncludedIndex)
	n.log.Info().Str("peer", c.peerID).Uint64("index", c.lastIncludedIndex).Msg("peer caught up via snapshot")
	n.tryAdvanceCommitIndex()
}

// handleInstallSnapshot is the InstallSnapshot receiver.
func (n *Node) handleInstallSnapshot(args *transport.InstallSnapshotArgs) *transport.InstallSnapshotReply {
	meta := n.metadata.Get()
	if args.Term < meta.CurrentTerm {
		return &transport.InstallSnapshotReply{Term: meta.CurrentTerm}
	}
	if args.Term > meta.CurrentTerm {
		n.stepDown(args.Term)
		meta = n.metadata.Get()
	}

	n.timers.ResetElection()
	n.ns.leaderID = args.LeaderID
	if n.ns.state != Follower {
		n.revertToFollower(args.LeaderID)
	}

	handle, err := n.snapshots.BeginInstall(args.LastIncludedIndex, args.LastIncludedTerm)
	if err != nil {
		n.log.Error().Err(err).Msg("begin snapshot install failed")
		return &transport.InstallSnapshotReply{Term: meta.CurrentTerm}
	}

	storeKind := snapshotstore.Metadata
	if args.Kind == transport.SnapshotPayload {
		storeKind = snapshotstore.Payload
	}
	if err := n.snapshots.WriteChunk(handle, storeKind, args.Offset, args.Data, args.Done); err != nil {
		n.log.Error().Err(err).Msg("write snapshot chunk failed")
		return &transport.InstallSnapshotReply{Term: meta.CurrentTerm}
	}

	if args.Kind == transport.SnapshotPayload && args.Done {
		if installedMeta, err := n.snapshots.Finalize(handle); err == nil {
			n.installSnapshotLocally(installedMeta)
		}
		// An error here means the metadata stream hasn't delivered its own
		// done chunk yet; the leader always sends metadata before payload,
		// so this is a transient ordering gap, not a failure.
	}

	return &transport.InstallSnapshotReply{Term: n.metadata.Get().CurrentTerm}
}

func (n *Node) installSnapshotLocally(meta snapshotstore.Meta) {
	if err := n.sm.RestoreSnapshot(n.snapshots.InstalledPayloadPath()); err != nil {
		n.fatal(err)
		return
	}
	storeIfGreater(&n.commitIndex, meta.LastIncludedIndex)
	storeIfGreater(&n.lastApplied, meta.LastIncludedIndex)
	if err := n.logStore.TruncatePrefixThrough(meta.LastIncludedIndex); err != nil {
		n.fatal(err)
		return
	}
	if err := n.logStore.Persist(); err != nil {
		n.fatal(err)
		return
	}

	n.ns.snapshotLastIncludedIndex = meta.LastIncludedIndex
	n.ns.snapshotLastIncludedTerm = meta.LastIncludedTerm
	n.ns.snapshotConfigBytes = meta.Config
	if cfg, err := raftconfig.Decode(meta.Config); err == nil {
		n.setEffectiveConfig(cfg)
	}
	n.log.Info().Uint64("index", meta.LastIncludedIndex).Msg("installed snapshot from leader")
}
