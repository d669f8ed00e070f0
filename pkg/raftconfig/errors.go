package raftconfig

import "errors"

var (
	// ErrConfigTransitionInProgress is returned by StartTransition when the
	// configuration is already joint.
	ErrConfigTransitionInProgress = errors.New("configuration transition already in progress")
	// ErrConfigNotJoint is returned by FinalizeTransition on a stable config.
	ErrConfigNotJoint = errors.New("configuration is not joint")
)
