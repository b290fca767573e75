package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/ratelimit"
)

// Per-entity command rate: a scrub burst never sends a device more than
// this many writes per second.
const (
	entityRateLimit    = 10
	entityRateInterval = time.Second
)

// Outcome reports how a queued command ended.
type Outcome struct {
	Err       error
	Coalesced bool
}

// ExecFunc performs one command against the device.
type ExecFunc func(ctx context.Context, cmd model.Command) error

// pending is one queued command with its completion callback.
type pending struct {
	cmd  model.Command
	done func(Outcome)
}

// Dispatcher serializes commands per entity while letting different
// entities proceed in parallel. Consecutive queued commands for the same
// scrubbable capability collapse to the newest value; the superseded
// ones complete immediately as coalesced.
type Dispatcher struct {
	exec    ExecFunc
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	queues map[string]*entityQueue
	wg     sync.WaitGroup
	closed bool
}

type entityQueue struct {
	items   []*pending
	running bool
}

// NewDispatcher creates a dispatcher that executes commands with exec.
func NewDispatcher(exec ExecFunc) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		limiter: ratelimit.NewLimiter(),
		queues:  make(map[string]*entityQueue),
	}
}

// Dispatch enqueues a command for its entity. done is invoked exactly
// once, from a dispatcher goroutine, when the command finishes or is
// coalesced away.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command, done func(Outcome)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done(Outcome{Err: model.E(model.CategoryExhausted, "dispatcher shutting down")})
		return
	}

	q, ok := d.queues[cmd.EntityID]
	if !ok {
		q = &entityQueue{}
		d.queues[cmd.EntityID] = q
	}

	// Coalesce: a queued (not yet running) command for the same
	// scrubbable capability is superseded by this one in place, keeping
	// its position in the FIFO.
	if cmd.Capability.Scrubbable() {
		for _, p := range q.items {
			if p.cmd.Capability == cmd.Capability {
				superseded := p.done
				p.cmd = cmd
				p.done = done
				d.mu.Unlock()
				metrics.Get().CommandsCoalesced.Inc()
				superseded(Outcome{Coalesced: true})
				return
			}
		}
	}

	q.items = append(q.items, &pending{cmd: cmd, done: done})
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(ctx, cmd.EntityID, q)
	}
	d.mu.Unlock()
}

// drain runs the entity's queue to exhaustion, then parks.
func (d *Dispatcher) drain(ctx context.Context, entityID string, q *entityQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}
		p := q.items[0]
		q.items = append([]*pending(nil), q.items[1:]...)
		d.mu.Unlock()

		if err := d.limiter.Wait(ctx, entityID, entityRateLimit, entityRateInterval); err != nil {
			p.done(Outcome{Err: model.Wrap(model.CategoryExhausted, err, "rate limit wait")})
			continue
		}

		metrics.Get().CommandsInFlight.Inc()
		err := d.exec(ctx, p.cmd)
		metrics.Get().CommandsInFlight.Dec()
		p.done(Outcome{Err: err})
	}
}

// Close waits for queued commands to finish. New dispatches fail fast.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// QueueDepth returns the number of queued commands for an entity.
func (d *Dispatcher) QueueDepth(entityID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[entityID]; ok {
		return len(q.items)
	}
	return 0
}
