// Package supervisor assembles the hub: local store, adapters, sinks,
// discovery, command consumer, and the HTTP surface. Components start
// in dependency order, run as supervised tasks that restart with
// backoff, and shut down in reverse.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/adapter/esphome"
	"github.com/seawatts/cove/internal/adapter/hue"
	"github.com/seawatts/cove/internal/api"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/consumer"
	"github.com/seawatts/cove/internal/discovery"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/health"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/registry"
	"github.com/seawatts/cove/internal/state"
	"github.com/seawatts/cove/internal/store"
)

const (
	restartBase = time.Second
	restartCap  = time.Minute
)

// task is one supervised long-running component.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// Supervisor owns the daemon's component graph.
type Supervisor struct {
	cfg *config.Config
	log *logging.Logger

	bus      *events.Bus
	reg      *registry.Registry
	local    *state.Store
	adapters *adapter.Manager
	checker  *health.Checker
	remote   *store.Client
	hubID    string

	// consumerMode reads the command consumer's delivery mode; nil when
	// running local-only.
	consumerMode func() string

	tasks   []task
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a supervisor for cfg.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{
		cfg: cfg,
		log: logging.WithComponent("supervisor"),
	}
}

// Run starts the hub and blocks until ctx is canceled. It is not
// re-entrant.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	defer s.running.Store(false)

	if err := s.assemble(ctx); err != nil {
		return err
	}

	taskCtx, cancelTasks := context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t task) {
			defer s.wg.Done()
			s.supervise(taskCtx, t)
		}(t)
	}

	s.log.Info("hub running", "hub_id", s.hubID, "addr", s.cfg.ListenAddr(),
		"local_only", s.cfg.LocalOnly())

	<-ctx.Done()

	cancelTasks()
	s.wg.Wait()
	if s.remote != nil {
		// A clean stop clears the presence flag so operators can tell it
		// apart from a hub that lost its heartbeat.
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.remote.MarkOffline(offCtx, s.hubID); err != nil {
			s.log.Warn("offline mark failed", "error", err)
		}
		cancel()
	}
	s.adapters.ShutdownAll()
	if err := s.local.Close(); err != nil {
		s.log.Warn("local store close failed", "error", err)
	}
	s.log.Info("hub stopped")
	return ctx.Err()
}

// assemble builds the component graph in dependency order.
func (s *Supervisor) assemble(ctx context.Context) error {
	s.bus = events.NewBus()
	s.bus.SetDropHook(func() { metrics.Get().BusDropped.Inc() })
	s.bus.SetPublishHook(func() { metrics.Get().BusPublished.Inc() })
	s.reg = registry.New(s.bus)

	local, err := state.Open(s.cfg.DataDir)
	if err != nil {
		return err
	}
	s.local = local

	s.hubID = s.cfg.HubID
	if s.hubID == "" {
		s.hubID, err = local.HubID()
		if err != nil {
			return err
		}
	}

	s.adapters = adapter.NewManager(adapter.Env{
		Bus:      s.bus,
		Registry: s.reg,
		Secrets:  local,
		Config:   s.cfg,
	})
	s.adapters.Register(esphome.New())
	s.adapters.Register(hue.New())
	s.adapters.InitializeAll(ctx)

	s.checker = health.NewChecker()
	s.registerHealth()

	var remote *store.Client
	if !s.cfg.LocalOnly() {
		remote = store.NewClient(s.cfg.RemoteStoreURL, s.cfg.RemoteStoreKey)
		s.remote = remote
		s.wireRemote(ctx, remote)
	} else {
		s.log.Info("no remote store configured, running local-only")
	}

	if s.cfg.DiscoveryEnabled {
		disc := discovery.NewManager(s.bus, s.reg, s.adapters, local, remote, s.cfg.DiscoveryInterval)
		s.tasks = append(s.tasks, task{name: "discovery", run: disc.Run})
		s.wireAPI(disc)
	} else {
		s.log.Info("discovery disabled")
		s.wireAPI(nil)
	}

	return nil
}

// wireRemote attaches the components that exist only with a remote
// store: hub presence, state sinks, and the command consumer.
func (s *Supervisor) wireRemote(ctx context.Context, remote *store.Client) {
	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := remote.RegisterHub(regCtx, store.Hub{
		ID:       s.hubID,
		Name:     s.cfg.HubName,
		Version:  s.cfg.HubVersion,
		Online:   true,
		LastSeen: clock.Now(),
	})
	if err != nil {
		// Registration retries implicitly through the heartbeat.
		s.log.Warn("hub registration failed", "error", err)
	}

	heartbeater := store.NewHeartbeater(remote, s.hubID, s.cfg.TelemetryInterval)
	latest := store.NewLatestSink(remote, s.bus)
	history := store.NewHistorySink(remote, s.bus)
	cons := consumer.New(remote, store.NewRealtime(remote), s.adapters, s.bus, s.cfg.CommandPollInterval)

	s.consumerMode = cons.Mode

	s.checker.RegisterCounter("history_queue_depth", func() int64 {
		return int64(history.Depth())
	})
	s.checker.Register("remote_store", health.StaticCheck(func() (health.Status, string) {
		if ok, detail := heartbeater.Status(); !ok {
			return health.StatusDegraded, detail
		}
		return health.StatusHealthy, ""
	}))
	s.checker.Register("command_consumer", health.StaticCheck(func() (health.Status, string) {
		return health.StatusHealthy, cons.Mode()
	}))

	s.tasks = append(s.tasks,
		task{name: "heartbeat", run: heartbeater.Run},
		task{name: "latest_sink", run: latest.Run},
		task{name: "history_sink", run: history.Run},
		task{name: "consumer", run: cons.Run},
	)
}

func (s *Supervisor) wireAPI(disc *discovery.Manager) {
	opts := api.Options{
		Config:       s.cfg,
		Registry:     s.reg,
		Adapters:     s.adapters,
		Bus:          s.bus,
		Checker:      s.checker,
		Local:        s.local,
		HubID:        s.hubID,
		ConsumerMode: s.consumerMode,
	}
	if disc != nil {
		opts.Discovery = disc
	}
	s.tasks = append(s.tasks, task{name: "api", run: api.NewServer(opts).Run})
}

func (s *Supervisor) registerHealth() {
	s.checker.Register("local_store", func(ctx context.Context) health.Check {
		start := clock.Now()
		_, err := s.local.HubID()
		check := health.Check{Status: health.StatusHealthy, LastChecked: start, Duration: clock.Since(start)}
		if err != nil {
			check.Status = health.StatusUnhealthy
			check.Message = err.Error()
		}
		return check
	})
	s.checker.Register("event_bus", health.StaticCheck(func() (health.Status, string) {
		published, dropped := s.bus.Stats()
		if published > 0 && dropped*10 > published {
			return health.StatusDegraded, "more than 10% of events dropped"
		}
		return health.StatusHealthy, ""
	}))
	s.checker.Register("adapters", health.StaticCheck(func() (health.Status, string) {
		protocols := s.adapters.Protocols()
		if len(protocols) == 0 {
			return health.StatusDegraded, "no adapters registered"
		}
		return health.StatusHealthy, fmt.Sprintf("%d active", len(protocols))
	}))
	s.checker.Register("discovery", health.StaticCheck(func() (health.Status, string) {
		if !s.cfg.DiscoveryEnabled {
			return health.StatusHealthy, "disabled"
		}
		return health.StatusHealthy, ""
	}))
	s.checker.RegisterCounter("devices", func() int64 {
		d, _ := s.reg.Counts()
		return int64(d)
	})
	s.checker.RegisterCounter("entities", func() int64 {
		_, e := s.reg.Counts()
		return int64(e)
	})
}

// supervise runs one task, restarting it with doubling backoff until
// ctx is canceled. A restart is announced on the bus so operators can
// see flapping components.
func (s *Supervisor) supervise(ctx context.Context, t task) {
	backoff := restartBase
	for {
		start := clock.Now()
		err := s.runTask(ctx, t)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A long-running task returning nil means it believes its
			// work is done; leave it stopped.
			s.log.Info("task exited", "task", t.name)
			return
		}

		// Tasks that ran for a while get a fresh backoff.
		if clock.Since(start) > time.Minute {
			backoff = restartBase
		}

		s.log.Error("task failed, restarting", "task", t.name, "error", err, "backoff", backoff)
		s.bus.Publish(events.Event{
			Topic:   events.TopicComponentRestart,
			Source:  "supervisor",
			Payload: map[string]any{"component": t.name, "error": err.Error()},
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartCap {
			backoff = restartCap
		}
	}
}

// runTask converts a task panic into an error so one broken component
// restarts instead of taking the daemon down.
func (s *Supervisor) runTask(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}
