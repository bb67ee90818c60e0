package stream

import (
	"context"
	"sync"

	"github.com/harun/tata/internal/observability"
)

// DefaultBuffer is the channel capacity when none is configured.
const DefaultBuffer = 64

// Pipeline is a bounded, ordered event channel with one producer. Emit
// blocks while the buffer is full; Close ends the stream.
type Pipeline struct {
	ctx    context.Context
	events chan Event

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

// NewPipeline creates a pipeline. Emit gives up once ctx is done.
func NewPipeline(ctx context.Context, buffer int) *Pipeline {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Pipeline{
		ctx:    ctx,
		events: make(chan Event, buffer),
		seen:   make(map[string]struct{}),
	}
}

// Events returns the receive side. It is closed by Close.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Emit enqueues ev. It returns false when the id was already emitted, the
// pipeline is closed or the consumer went away.
func (p *Pipeline) Emit(ev Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if ev.ID != "" {
		if _, dup := p.seen[ev.ID]; dup {
			return false
		}
		p.seen[ev.ID] = struct{}{}
	}

	select {
	case p.events <- ev:
		observability.RecordStreamEvent(string(ev.Type))
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Emitter adapts the pipeline to the Emitter type.
func (p *Pipeline) Emitter() Emitter {
	return func(ev Event) { p.Emit(ev) }
}

// Close signals completion. It is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}
