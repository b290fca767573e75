package store

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
)

const (
	latestConcurrency = 32
	latestRetryDelay  = time.Second

	// latestIntakeMailbox sizes the sink's bus subscription. Intake only
	// parks snapshots and never waits on the remote, so the mailbox
	// absorbs scheduling jitter, not remote latency.
	latestIntakeMailbox = 4 * events.DefaultMailboxSize

	historyBatchSize    = 500
	historyFlushEvery   = 250 * time.Millisecond
	historyBufferLimit  = 50000
	historyBackoffBase  = 100 * time.Millisecond
	historyBackoffCap   = 30 * time.Second
	historyJitterFactor = 0.2
)

// LatestSink mirrors the newest state of every entity into the remote
// latest-state table. Bursts park snapshots in a map keyed by entity,
// one slot per entity with the newest value winning, so a slow remote
// delays writes but never loses an entity's latest state.
type LatestSink struct {
	client *Client
	bus    *events.Bus
	log    *logging.Logger

	mu      sync.Mutex
	pending map[string]model.EntityState
	wake    chan struct{}
}

// NewLatestSink creates a latest-state sink.
func NewLatestSink(client *Client, bus *events.Bus) *LatestSink {
	return &LatestSink{
		client:  client,
		bus:     bus,
		log:     logging.WithComponent("sink.latest"),
		pending: make(map[string]model.EntityState),
		wake:    make(chan struct{}, 1),
	}
}

// Run consumes state events until ctx is canceled.
func (s *LatestSink) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(latestIntakeMailbox, "entity/*/state")
	defer s.bus.Unsubscribe(sub)

	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < latestConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			snap, ok := e.Payload.(model.EntityState)
			if !ok {
				continue
			}
			s.park(snap)
		}
	}
}

// park stores the snapshot, superseding any unwritten one for the same
// entity, and nudges a worker.
func (s *LatestSink) park(snap model.EntityState) {
	s.mu.Lock()
	s.pending[snap.EntityID] = snap
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take removes one parked snapshot. When more remain it re-arms the wake
// signal so idle workers join the drain.
func (s *LatestSink) take() (model.EntityState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range s.pending {
		delete(s.pending, id)
		if len(s.pending) > 0 {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		return snap, true
	}
	return model.EntityState{}, false
}

func (s *LatestSink) worker(ctx context.Context) {
	for {
		snap, ok := s.take()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if !s.write(ctx, snap) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(latestRetryDelay):
			}
		}
	}
}

// write upserts one snapshot. On failure it re-parks the snapshot unless
// a newer one arrived while the write was in flight.
func (s *LatestSink) write(ctx context.Context, snap model.EntityState) bool {
	err := s.client.UpsertEntityState(ctx, []model.EntityState{snap})
	if err == nil {
		return true
	}
	metrics.Get().PersistenceErrors.WithLabelValues("latest").Inc()
	s.log.Warn("latest-state write failed", "entity_id", snap.EntityID, "error", err)
	s.bus.Publish(events.Event{
		Topic:   events.TopicPersistenceFailed,
		Source:  "sink.latest",
		Payload: map[string]any{"sink": "latest", "entity_id": snap.EntityID, "error": err.Error()},
	})

	s.mu.Lock()
	if _, superseded := s.pending[snap.EntityID]; !superseded {
		s.pending[snap.EntityID] = snap
	}
	s.mu.Unlock()
	return false
}

// HistorySink appends every state change to the remote history table.
// Records queue in a bounded buffer and flush in batches; when the remote
// store is down the buffer absorbs up to its limit and then sheds the
// oldest records.
type HistorySink struct {
	client *Client
	bus    *events.Bus
	log    *logging.Logger

	mu         sync.Mutex
	queue      []HistoryRecord
	inOverflow bool
}

// NewHistorySink creates a history sink.
func NewHistorySink(client *Client, bus *events.Bus) *HistorySink {
	return &HistorySink{
		client: client,
		bus:    bus,
		log:    logging.WithComponent("sink.history"),
	}
}

// Run consumes state events and flushes batches until ctx is canceled.
// A final best-effort flush drains what it can on shutdown.
func (s *HistorySink) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(events.DefaultMailboxSize, "entity/*/state")
	defer s.bus.Unsubscribe(sub)

	ticker := time.NewTicker(historyFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flushOnce(flushCtx)
			cancel()
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			snap, ok := e.Payload.(model.EntityState)
			if !ok {
				continue
			}
			if s.enqueue(HistoryRecord{
				EntityID:   snap.EntityID,
				State:      snap.State,
				Attributes: snap.Attributes,
				RecordedAt: snap.UpdatedAt,
			}) >= historyBatchSize {
				s.flush(ctx)
			}
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// enqueue adds a record, evicting the oldest when full, and returns the
// queue depth.
func (s *HistorySink) enqueue(rec HistoryRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= historyBufferLimit {
		s.queue = s.queue[1:]
		metrics.Get().HistoryDropped.Inc()
		if !s.inOverflow {
			s.inOverflow = true
			s.bus.Publish(events.Event{
				Topic:   events.TopicHistoryOverflow,
				Source:  "sink.history",
				Payload: map[string]any{"limit": historyBufferLimit},
			})
			s.log.Warn("history buffer full, shedding oldest records")
		}
	}
	s.queue = append(s.queue, rec)
	metrics.Get().HistoryQueueDepth.Set(float64(len(s.queue)))
	return len(s.queue)
}

// peek returns up to historyBatchSize records without removing them.
func (s *HistorySink) peek() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > historyBatchSize {
		n = historyBatchSize
	}
	batch := make([]HistoryRecord, n)
	copy(batch, s.queue[:n])
	return batch
}

// drop removes n records from the head after a successful write.
func (s *HistorySink) drop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.queue) {
		n = len(s.queue)
	}
	s.queue = append([]HistoryRecord(nil), s.queue[n:]...)
	if len(s.queue) < historyBufferLimit {
		s.inOverflow = false
	}
	metrics.Get().HistoryQueueDepth.Set(float64(len(s.queue)))
}

// Depth returns the current queue depth.
func (s *HistorySink) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// flush writes queued batches, retrying with backoff until the queue is
// empty or ctx is canceled. Records leave the queue only after a
// successful write.
func (s *HistorySink) flush(ctx context.Context) {
	backoff := historyBackoffBase
	for {
		batch := s.peek()
		if len(batch) == 0 {
			return
		}

		err := s.client.InsertHistory(ctx, batch)
		if err == nil {
			s.drop(len(batch))
			metrics.Get().HistoryFlushed.Add(float64(len(batch)))
			backoff = historyBackoffBase
			continue
		}

		metrics.Get().PersistenceErrors.WithLabelValues("history").Inc()
		s.log.Warn("history flush failed", "batch", len(batch), "error", err)
		s.bus.Publish(events.Event{
			Topic:   events.TopicPersistenceFailed,
			Source:  "sink.history",
			Payload: map[string]any{"sink": "history", "error": err.Error()},
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > historyBackoffCap {
			backoff = historyBackoffCap
		}
	}
}

// flushOnce attempts a single pass without retries, for shutdown.
func (s *HistorySink) flushOnce(ctx context.Context) {
	for {
		batch := s.peek()
		if len(batch) == 0 {
			return
		}
		if err := s.client.InsertHistory(ctx, batch); err != nil {
			s.log.Warn("final history flush failed", "remaining", s.Depth(), "error", err)
			return
		}
		s.drop(len(batch))
		metrics.Get().HistoryFlushed.Add(float64(len(batch)))
	}
}

// jitter spreads a delay by +/-20% so restarting components do not
// synchronize their retries.
func jitter(d time.Duration) time.Duration {
	f := 1 + historyJitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// Heartbeater periodically refreshes the hub presence row and tracks
// whether the remote store answered the last attempt.
type Heartbeater struct {
	client   *Client
	hubID    string
	interval time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	lastErr error
}

// NewHeartbeater creates a presence heartbeater for hubID.
func NewHeartbeater(client *Client, hubID string, interval time.Duration) *Heartbeater {
	return &Heartbeater{
		client:   client,
		hubID:    hubID,
		interval: interval,
		log:      logging.WithComponent("heartbeat"),
	}
}

// Run sends heartbeats until ctx is canceled.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := clock.Now()
			err := h.client.Heartbeat(ctx, h.hubID)
			h.setErr(err)
			if err != nil {
				h.log.Warn("heartbeat failed", "error", err)
				continue
			}
			h.log.Debug("heartbeat sent", "took", clock.Since(start))
		}
	}
}

func (h *Heartbeater) setErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

// Status reports whether the last heartbeat reached the remote store,
// with the error detail when it did not.
func (h *Heartbeater) Status() (ok bool, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr != nil {
		return false, h.lastErr.Error()
	}
	return true, ""
}
