package service

import (
	"context"
	"errors"
	"sync"

	"github.com/example/doc-validation/internal/document"
)

// ErrNoDevice is returned when local devices are requested but none opens.
var ErrNoDevice = errors.New("no local capture device available")

// ErrDeviceClosed is returned when submitting to a closed device.
var ErrDeviceClosed = errors.New("capture device closed")

// Device is a local capture source, such as a document scanner.
type Device interface {
	Name() string
	Open(ctx context.Context) error
	Captures() <-chan *document.ValidationRequest
	Close() error
}

// ChannelDevice is a Device fed by Submit. It adapts scanner drivers and
// network capture endpoints that push complete captures.
type ChannelDevice struct {
	name     string
	captures chan *document.ValidationRequest

	quit      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	opened bool
	closed bool
}

// NewChannelDevice creates a device buffering up to buffer captures.
func NewChannelDevice(name string, buffer int) *ChannelDevice {
	return &ChannelDevice{
		name:     name,
		captures: make(chan *document.ValidationRequest, buffer),
		quit:     make(chan struct{}),
	}
}

func (d *ChannelDevice) Name() string { return d.name }

func (d *ChannelDevice) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.opened = true
	return nil
}

func (d *ChannelDevice) Captures() <-chan *document.ValidationRequest { return d.captures }

// Submit queues a capture, blocking while the buffer is full.
func (d *ChannelDevice) Submit(ctx context.Context, req *document.ValidationRequest) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || !d.opened {
		return ErrDeviceClosed
	}
	select {
	case d.captures <- req:
		return nil
	case <-d.quit:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ChannelDevice) Close() error {
	d.closeOnce.Do(func() { close(d.quit) })
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.captures)
	}
	return nil
}
