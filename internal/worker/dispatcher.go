// Package worker runs investigation attempts for queued runs.
package worker

import (
	"context"
	"errors"

	"github.com/ZeroPathAI/openerrata/internal/service"
)

// ErrQueueFull is returned when the in-process queue cannot take an event.
// The run stays queued in the store and the poll loop picks it up later.
var ErrQueueFull = errors.New("dispatch queue full")

// ChannelDispatcher is an in-process service.Dispatcher. It never blocks.
type ChannelDispatcher struct {
	ch chan service.QueuedEvent
}

// NewChannelDispatcher creates a dispatcher buffering up to size events.
func NewChannelDispatcher(size int) *ChannelDispatcher {
	return &ChannelDispatcher{ch: make(chan service.QueuedEvent, size)}
}

// Dispatch enqueues ev or returns ErrQueueFull.
func (d *ChannelDispatcher) Dispatch(ctx context.Context, ev service.QueuedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events is the receive side consumed by the pool.
func (d *ChannelDispatcher) Events() <-chan service.QueuedEvent {
	return d.ch
}
