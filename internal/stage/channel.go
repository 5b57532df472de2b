package stage

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrChannelClosed   = errors.New("stage: channel closed")
	ErrVerbNotAccepted = errors.New("stage: verb not accepted")
)

// Channel is an ordered one-way queue between exactly one producer and one
// consumer. Closing it never closes the underlying chan, so late senders
// get ErrChannelClosed instead of a panic.
type Channel[T any] struct {
	name string
	c    chan T
	done chan struct{}
	once sync.Once
}

func NewChannel[T any](name string, size int) *Channel[T] {
	return &Channel[T]{
		name: name,
		c:    make(chan T, size),
		done: make(chan struct{}),
	}
}

func (ch *Channel[T]) Name() string { return ch.name }

// Send blocks until v is queued, the channel is closed or ctx is done.
func (ch *Channel[T]) Send(ctx context.Context, v T) error {
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}
	select {
	case ch.c <- v:
		return nil
	case <-ch.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer queues v if there is room and reports whether it did.
func (ch *Channel[T]) Offer(v T) bool {
	select {
	case <-ch.done:
		return false
	default:
	}
	select {
	case ch.c <- v:
		return true
	default:
		return false
	}
}

// Poll returns the next value without blocking.
func (ch *Channel[T]) Poll() (T, bool) {
	select {
	case v := <-ch.c:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain discards everything queued and returns how many values were dropped.
func (ch *Channel[T]) Drain() int {
	n := 0
	for {
		select {
		case <-ch.c:
			n++
		default:
			return n
		}
	}
}

// C exposes the receive side for select loops.
func (ch *Channel[T]) C() <-chan T { return ch.c }

func (ch *Channel[T]) Len() int { return len(ch.c) }

func (ch *Channel[T]) Close() {
	ch.once.Do(func() { close(ch.done) })
}

func (ch *Channel[T]) Closed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}
