package snapshotstore

import "errors"

var (
	// ErrNoSuchInstall is returned when a chunk or finalize call names an
	// install handle that is not (or no longer) in progress, e.g. because
	// a newer snapshot superseded it.
	ErrNoSuchInstall = errors.New("no such in-flight snapshot install")
	// ErrChunkOffsetMismatch is returned when a chunk's offset does not
	// match the number of bytes already buffered for that stream.
	ErrChunkOffsetMismatch = errors.New("chunk offset does not match buffered length")
)
