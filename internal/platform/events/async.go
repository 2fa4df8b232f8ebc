package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
)

var (
	ErrQueueFull = errors.New("events: dispatch queue full")
	ErrClosed    = errors.New("events: publisher closed")
)

// AsyncOptions tunes an AsyncPublisher.
type AsyncOptions struct {
	QueueSize int
	// Timeout bounds each delivery to the wrapped publisher.
	Timeout time.Duration
	// OnError is called from the dispatch goroutine when delivery fails.
	OnError func(Event, error)
}

// AsyncPublisher queues events and delivers them from a single goroutine, in
// the order they were accepted. Publish never waits on the wrapped publisher
// and is not bound to the caller's context.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	onError func(Event, error)

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewAsyncPublisher(next Publisher, opts AsyncOptions) *AsyncPublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPublishTimeout
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: opts.Timeout,
		onError: opts.OnError,
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues ev. It returns ErrQueueFull rather than block when the
// wrapped publisher has fallen behind.
func (p *AsyncPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.next.Publish(ctx, ev)
		cancel()
		if err != nil && p.onError != nil {
			p.onError(ev, err)
		}
	}
}

// Close stops accepting events and waits until the queue drains or ctx ends.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
