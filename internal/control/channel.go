// Package control is the message ingress of the learner: a bounded
// single-consumer inbox fed by rollout producers, PBT, and the operator
// server, drained by the learner's control loop.
package control

import (
	"fmt"
	"sync/atomic"

	"github.com/jingweiz/sample-factory/internal/buffer"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

// MessageType discriminates inbox messages.
type MessageType int

const (
	// Train delivers slab coordinates of one finished rollout.
	Train MessageType = iota
	// Init asks the learner to republish its policy version.
	Init
	// Terminate requests shutdown. It is observed before any message
	// enqueued ahead of it.
	Terminate
	// Pbt carries a population-based training task.
	Pbt
)

func (t MessageType) String() string {
	switch t {
	case Train:
		return "train"
	case Init:
		return "init"
	case Terminate:
		return "terminate"
	case Pbt:
		return "pbt"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// PbtKind selects the population-based training action.
type PbtKind int

const (
	// SaveModel forces a checkpoint outside the regular cadence.
	SaveModel PbtKind = iota
	// LoadModel transplants another policy's weights into this learner.
	LoadModel
	// UpdateConfig mutates training hyperparameters between iterations.
	UpdateConfig
)

func (k PbtKind) String() string {
	switch k {
	case SaveModel:
		return "save_model"
	case LoadModel:
		return "load_model"
	case UpdateConfig:
		return "update_config"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PbtTask is the payload of a Pbt message.
type PbtTask struct {
	Kind PbtKind

	// FromPolicyID names the source policy for LoadModel.
	FromPolicyID int

	// Delta holds hyperparameter overrides for UpdateConfig.
	Delta map[string]float64
}

// Message is one inbox entry. Only the field matching Type is meaningful.
type Message struct {
	Type    MessageType
	Rollout buffer.Rollout
	Task    PbtTask
}

// DefaultDepth bounds the inbox when no depth is given. It comfortably
// covers every rollout a full slab can have in flight.
const DefaultDepth = 1024

// Channel is the bounded inbox. Regular messages keep FIFO order.
// Terminate travels on a side path checked first by Poll, so it preempts
// everything still queued, and it permanently closes the channel for
// senders.
type Channel struct {
	msgs   chan Message
	termCh chan struct{}
	term   atomic.Bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewChannel creates an inbox holding up to depth regular messages.
// Non-positive depth selects DefaultDepth.
func NewChannel(depth int) *Channel {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Channel{
		msgs:   make(chan Message, depth),
		termCh: make(chan struct{}, 1),
	}
}

// Send enqueues a message without blocking. It returns ErrChannelClosed
// once termination was requested and ErrChannelFull when the inbox is at
// capacity. Sending Terminate succeeds exactly once.
func (c *Channel) Send(msg Message) error {
	if msg.Type == Terminate {
		if c.term.CompareAndSwap(false, true) {
			c.termCh <- struct{}{}
			return nil
		}
		return fmt.Errorf("control: duplicate terminate: %w", pkgerrors.ErrChannelClosed)
	}
	if c.term.Load() {
		return fmt.Errorf("control: %s rejected: %w", msg.Type, pkgerrors.ErrChannelClosed)
	}
	select {
	case c.msgs <- msg:
		c.sent.Add(1)
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("control: %s rejected, inbox at %d: %w", msg.Type, cap(c.msgs), pkgerrors.ErrChannelFull)
	}
}

// Poll receives the next message without blocking. A pending Terminate is
// returned ahead of any queued regular message. The second result is false
// when nothing is pending.
func (c *Channel) Poll() (Message, bool) {
	select {
	case <-c.termCh:
		return Message{Type: Terminate}, true
	default:
	}
	select {
	case msg := <-c.msgs:
		return msg, true
	default:
		return Message{}, false
	}
}

// Terminated reports whether termination was requested. Producers use it
// as a cheap stop signal alongside the shared stop flag.
func (c *Channel) Terminated() bool {
	return c.term.Load()
}

// Len is the number of queued regular messages.
func (c *Channel) Len() int {
	return len(c.msgs)
}

// Cap is the inbox capacity.
func (c *Channel) Cap() int {
	return cap(c.msgs)
}

// Stats returns messages accepted and messages rejected for capacity.
func (c *Channel) Stats() (sent, dropped int64) {
	return c.sent.Load(), c.dropped.Load()
}
