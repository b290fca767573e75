// Package consumer executes commands queued in the remote store. It
// prefers push delivery over the realtime socket and degrades to
// polling when the socket is unavailable, claiming each command with a
// conditional update so concurrent hubs never double-execute.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/store"
)

const (
	// maxInFlight caps concurrently executing commands across all
	// devices.
	maxInFlight = 64

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Consumer drains the remote command queue.
type Consumer struct {
	client       *store.Client
	realtime     *store.Realtime
	adapters     *adapter.Manager
	bus          *events.Bus
	pollInterval time.Duration
	log          *logging.Logger

	sem chan struct{}

	pushMode atomic.Bool

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// Mode reports the current delivery mode, "push" or "pull".
func (c *Consumer) Mode() string {
	if c.pushMode.Load() {
		return "push"
	}
	return "pull"
}

func (c *Consumer) setPushMode(on bool) {
	c.pushMode.Store(on)
	v := 0.0
	if on {
		v = 1
	}
	metrics.Get().ConsumerMode.Set(v)
}

// New creates a consumer.
func New(client *store.Client, realtime *store.Realtime, adapters *adapter.Manager,
	bus *events.Bus, pollInterval time.Duration) *Consumer {
	return &Consumer{
		client:       client,
		realtime:     realtime,
		adapters:     adapters,
		bus:          bus,
		pollInterval: pollInterval,
		log:          logging.WithComponent("consumer"),
		sem:          make(chan struct{}, maxInFlight),
		inFlight:     make(map[string]bool),
	}
}

// Run sweeps the backlog, then alternates between push and pull until
// ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.wg.Wait()

	// Commands queued while the hub was down execute first, oldest
	// first.
	c.sweep(ctx)

	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := c.realtime.Connect(ctx)
		if err != nil {
			c.log.Warn("realtime unavailable, polling", "error", err)
			c.setPushMode(false)
			if stopped := c.pollFor(ctx, backoff); stopped {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		backoff = reconnectBase
		c.setPushMode(true)
		c.log.Info("realtime connected, push mode")

		// The socket can miss inserts made during the handshake.
		c.sweep(ctx)

		if stopped := c.consumePush(ctx, ch); stopped {
			return ctx.Err()
		}
		c.setPushMode(false)
		c.log.Warn("realtime session ended, falling back to polling")
	}
}

// consumePush drains the realtime channel until it closes. Returns true
// on ctx cancelation.
func (c *Consumer) consumePush(ctx context.Context, ch <-chan model.Command) bool {
	for {
		select {
		case <-ctx.Done():
			c.realtime.Close()
			return true
		case cmd, ok := <-ch:
			if !ok {
				return false
			}
			c.dispatch(ctx, cmd)
		}
	}
}

// pollFor polls the queue for at least the given window, sweeping once
// on entry so commands that arrived while the socket was down never wait
// for the first tick. The window floors at the poll interval; a short
// reconnect backoff must not produce a tickless window. Returns true on
// ctx cancelation.
func (c *Consumer) pollFor(ctx context.Context, d time.Duration) bool {
	if d < c.pollInterval {
		d = c.pollInterval
	}
	c.sweep(ctx)

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-deadline.C:
			return false
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep fetches and dispatches all pending commands.
func (c *Consumer) sweep(ctx context.Context) {
	cmds, err := c.client.PendingCommands(ctx)
	if err != nil {
		c.log.Warn("pending fetch failed", "error", err)
		return
	}
	for _, cmd := range cmds {
		c.dispatch(ctx, cmd)
	}
}

// dispatch claims and executes one command asynchronously.
func (c *Consumer) dispatch(ctx context.Context, cmd model.Command) {
	c.mu.Lock()
	if c.inFlight[cmd.ID] {
		c.mu.Unlock()
		return
	}
	c.inFlight[cmd.ID] = true
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.release(cmd.ID)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.process(ctx, cmd)
	}()
}

func (c *Consumer) release(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// process claims the command, runs it through the adapter pipeline, and
// writes the terminal status. Every command passes through processing
// even when validation fails locally, so observers always see the full
// transition sequence.
func (c *Consumer) process(ctx context.Context, cmd model.Command) {
	defer c.release(cmd.ID)

	claimed, err := c.client.ClaimCommand(ctx, cmd.ID)
	if err != nil {
		c.log.Warn("claim failed", "command_id", cmd.ID, "error", err)
		return
	}
	if !claimed {
		// Another hub or a previous sweep got there first.
		return
	}

	done := make(chan adapter.Outcome, 1)
	c.adapters.Submit(ctx, cmd, func(o adapter.Outcome) { done <- o })

	var outcome adapter.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome = adapter.Outcome{Err: model.E(model.CategoryExhausted, "hub shutting down")}
	}

	c.finish(cmd, outcome)
}

// finish records the terminal status remotely and on the bus.
func (c *Consumer) finish(cmd model.Command, outcome adapter.Outcome) {
	status := model.StatusCompleted
	errMsg := ""
	if outcome.Err != nil {
		status = model.StatusFailed
		errMsg = errorColumn(outcome.Err)
	}

	// Terminal writes must land even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.FinishCommand(ctx, cmd.ID, status, errMsg); err != nil {
		c.log.Error("terminal status write failed", "command_id", cmd.ID, "error", err)
	}

	metrics.Get().CommandsCompleted.WithLabelValues(string(status)).Inc()

	result := model.CommandResult{
		CommandID: cmd.ID,
		Status:    status,
		Error:     errMsg,
		Coalesced: outcome.Coalesced,
	}
	c.bus.Publish(events.Event{
		Topic:   events.TopicCommandResult(cmd.ID),
		Source:  "consumer",
		Payload: result,
	})
}

// errorColumn maps an execution error to the queue's error column.
func errorColumn(err error) string {
	var ce *model.CategorizedError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
