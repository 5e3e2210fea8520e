// Package errors defines sentinel errors used across the learner.
package errors

import "errors"

// Sentinel errors for rollout slab slot ownership.
var (
	// ErrSlotConflict indicates use of a slot whose availability flag is
	// held by the other side. This is a producer/learner protocol violation.
	ErrSlotConflict = errors.New("slot ownership conflict")

	// ErrSlotOutOfRange indicates slot coordinates outside the slab grid.
	ErrSlotOutOfRange = errors.New("slot coordinates out of range")
)

// Sentinel errors for batch assembly and training geometry.
var (
	// ErrStaleRollout indicates a rollout exceeded the policy lag bound.
	ErrStaleRollout = errors.New("rollout exceeds policy lag bound")

	// ErrBadGeometry indicates batch sizes that do not divide evenly.
	ErrBadGeometry = errors.New("batch geometry does not divide evenly")

	// ErrVTraceRecurrence indicates vtrace selected with a recurrence
	// window shorter than the rollout length.
	ErrVTraceRecurrence = errors.New("vtrace requires recurrence equal to rollout length")
)

// Sentinel errors for checkpointing.
var (
	// ErrCheckpointIO indicates a transient checkpoint read/write failure.
	ErrCheckpointIO = errors.New("checkpoint i/o failure")

	// ErrNoCheckpoint indicates no checkpoint exists for the policy.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Sentinel errors for reporting and control.
var (
	// ErrReportBackpressure indicates the reporting sink is full and the
	// newest report was dropped.
	ErrReportBackpressure = errors.New("reporting sink full")

	// ErrChannelClosed indicates the control channel no longer accepts
	// messages because termination was requested.
	ErrChannelClosed = errors.New("control channel closed")

	// ErrChannelFull indicates the control inbox is at capacity and the
	// message was not enqueued. Senders should back off and retry.
	ErrChannelFull = errors.New("control channel full")
)
