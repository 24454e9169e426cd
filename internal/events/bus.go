// Package events implements the subscriber registries behind the service
// notification channels.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handle identifies a subscription.
type Handle string

// Bus delivers events of one type to its subscribers in subscription order.
// A subscriber that panics is logged and skipped; a subscriber that runs past
// the callback budget is left running while delivery moves on.
type Bus[T any] struct {
	name   string
	budget time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	subs  map[Handle]func(T)
	order []Handle
}

// NewBus creates a bus. A zero budget waits for every callback to return.
func NewBus[T any](name string, budget time.Duration, logger *zap.Logger) *Bus[T] {
	return &Bus[T]{
		name:   name,
		budget: budget,
		logger: logger.Named("events").With(zap.String("channel", name)),
		subs:   make(map[Handle]func(T)),
	}
}

// Subscribe registers fn and returns its handle.
func (b *Bus[T]) Subscribe(fn func(T)) Handle {
	h := Handle(uuid.NewString())
	if fn == nil {
		return h
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[h] = fn
	b.order = append(b.order, h)
	return h
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus[T]) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[h]; !ok {
		return false
	}
	delete(b.subs, h)
	for i, existing := range b.order {
		if existing == h {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers event to a snapshot of the current subscribers.
func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, h := range b.order {
		fns = append(fns, b.subs[h])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, event)
	}
}

func (b *Bus[T]) deliver(fn func(T), event T) {
	if b.budget <= 0 {
		if err := b.call(fn, event); err != nil {
			b.logger.Error("subscriber panicked", zap.Error(err))
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- b.call(fn, event)
	}()
	timer := time.NewTimer(b.budget)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			b.logger.Error("subscriber panicked", zap.Error(err))
		}
	case <-timer.C:
		b.logger.Warn("subscriber exceeded callback budget", zap.Duration("budget", b.budget))
	}
}

func (b *Bus[T]) call(fn func(T), event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(event)
	return nil
}
