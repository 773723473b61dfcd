// internal/core/broker/memory.go
package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process publisher and source joined by a buffered
// channel. It serves tests and single-node deployments without Kafka.
type MemoryBroker struct {
	messages chan Message
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

var (
	_ Publisher = (*MemoryBroker)(nil)
	_ Source    = (*MemoryBroker)(nil)
)

// NewMemoryBroker creates a broker holding up to capacity unconsumed messages.
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryBroker{
		messages: make(chan Message, capacity),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBroker) Enabled() bool { return true }

// Publish refuses, without error, when the buffer is full.
func (b *MemoryBroker) Publish(_ context.Context, msg Message) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrClosed
	}
	select {
	case b.messages <- msg:
		return true, nil
	default:
		return false, nil
	}
}

// Next returns buffered messages first, then ErrClosed once closed.
func (b *MemoryBroker) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-b.messages:
		return msg, nil
	default:
	}
	select {
	case msg := <-b.messages:
		return msg, nil
	case <-b.done:
		select {
		case msg := <-b.messages:
			return msg, nil
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len returns the number of unconsumed messages.
func (b *MemoryBroker) Len() int {
	return len(b.messages)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
