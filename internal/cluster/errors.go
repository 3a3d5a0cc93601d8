package cluster

import "errors"

// Domain errors for the cluster package.
var (
	// ErrCoordinationPaused is returned for cluster-wide operations while
	// this unit is not the active leader.
	ErrCoordinationPaused = errors.New("cluster: coordination paused")

	// ErrNotLeader is returned when a membership command is issued by a
	// unit other than the active leader.
	ErrNotLeader = errors.New("cluster: command not issued by the active leader")

	// ErrInvalidCommand is returned for malformed membership commands.
	ErrInvalidCommand = errors.New("cluster: invalid membership command")

	// ErrUnknownUnit is returned when a unit is not in the roster.
	ErrUnknownUnit = errors.New("cluster: unknown unit")
)
