// Package api serves the hub's local HTTP surface: device and entity
// inventory, ad-hoc commands, logs, health, metrics, and the /events
// WebSocket stream. The API is read-mostly; all writes go through the
// same command pipeline the remote queue uses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/brand"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/health"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/registry"
	"github.com/seawatts/cove/internal/state"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxBodyBytes      = 1 << 20

	// adHocTimeout bounds synchronous POST /api/commands requests.
	adHocTimeout = 15 * time.Second
)

// DiscoverySource exposes the live discovery table to the API.
type DiscoverySource interface {
	Snapshot() []model.DeviceDescriptor
}

// Options holds the server's dependencies. Discovery and Local may be
// nil; the corresponding endpoints degrade gracefully.
type Options struct {
	Config    *config.Config
	Registry  *registry.Registry
	Adapters  *adapter.Manager
	Bus       *events.Bus
	Checker   *health.Checker
	Discovery DiscoverySource
	Local     *state.Store
	HubID     string

	// ConsumerMode reads the command consumer's delivery mode; nil when
	// the hub runs local-only.
	ConsumerMode func() string
}

// Server is the HTTP/WebSocket front of the hub.
type Server struct {
	opts      Options
	log       *logging.Logger
	startTime time.Time
	mux       *http.ServeMux
	http      *http.Server
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		log:       logging.WithComponent("api"),
		startTime: clock.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:              opts.Config.ListenAddr(),
		Handler:           s.withBodyLimit(s.mux),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.Handle("GET /health", s.opts.Checker.Handler())
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("GET /api/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/hub/status", s.handleHubStatus)
	s.mux.HandleFunc("GET /api/logs", s.handleLogs)

	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("GET /api/devices/discovered", s.handleDiscovered)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/entities", s.handleDeviceEntities)
	s.mux.HandleFunc("POST /api/devices/{id}/identify", s.handleIdentify)

	s.mux.HandleFunc("GET /api/entities/{id}/state", s.handleEntityState)

	s.mux.HandleFunc("POST /api/commands", s.handleCommand)
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler { return s.withBodyLimit(s.mux) }

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        brand.Name,
		"description": brand.Description,
		"version":     brand.Version,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	devices, entities := s.opts.Registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"hub_id":   s.opts.HubID,
		"name":     s.opts.Config.HubName,
		"version":  s.opts.Config.HubVersion,
		"uptime":   clock.Since(s.startTime).Round(time.Second).String(),
		"devices":  devices,
		"entities": entities,
	})
}

func (s *Server) handleHubStatus(w http.ResponseWriter, r *http.Request) {
	devices, entities := s.opts.Registry.Counts()
	published, dropped := s.opts.Bus.Stats()
	consumerMode := "disabled"
	if s.opts.ConsumerMode != nil {
		consumerMode = s.opts.ConsumerMode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hub_id":            s.opts.HubID,
		"version":           s.opts.Config.HubVersion,
		"uptime":            clock.Since(s.startTime).Round(time.Second).String(),
		"local_only":        s.opts.Config.LocalOnly(),
		"discovery_enabled": s.opts.Config.DiscoveryEnabled,
		"consumer_mode":     consumerMode,
		"devices":           devices,
		"entities":          entities,
		"events_published":  published,
		"events_dropped":    dropped,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 5000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..5000")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, logging.GetAppLogBuffer().GetLast(limit))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.Devices())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.opts.Registry.Device(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":   dev,
		"entities": s.opts.Registry.Entities(dev.ID),
	})
}

func (s *Server) handleDeviceEntities(w http.ResponseWriter, r *http.Request) {
	dev, err := s.opts.Registry.Device(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Registry.Entities(dev.ID))
}

func (s *Server) handleEntityState(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Registry.State(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no state for entity")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDiscovered merges the live presence table with the persisted
// cache so the endpoint is useful right after a restart.
func (s *Server) handleDiscovered(w http.ResponseWriter, r *http.Request) {
	byKey := make(map[string]model.DeviceDescriptor)

	if s.opts.Local != nil {
		cached, err := s.opts.Local.Descriptors()
		if err != nil {
			s.log.Warn("descriptor cache read failed", "error", err)
		}
		for _, d := range cached {
			byKey[d.Key()] = d
		}
	}
	if s.opts.Discovery != nil {
		for _, d := range s.opts.Discovery.Snapshot() {
			byKey[d.Key()] = d
		}
	}

	out := make([]model.DeviceDescriptor, 0, len(byKey))
	for _, d := range byKey {
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

// commandRequest is the ad-hoc command body.
type commandRequest struct {
	DeviceID   string `json:"device_id"`
	EntityID   string `json:"entity_id"`
	Capability string `json:"capability"`
	Value      any    `json:"value"`
}

// handleCommand runs one command synchronously through the same
// pipeline queued commands use and reports the outcome.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	// entity_id is optional; the pipeline resolves the device's entity
	// from the capability.
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	capability, ok := model.ParseCapability(req.Capability)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown capability")
		return
	}

	cmd := model.Command{
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		EntityID:   req.EntityID,
		Capability: capability,
		Value:      req.Value,
		CreatedAt:  clock.Now(),
	}
	s.runCommand(w, r, cmd)
}

// handleIdentify flashes a device. The capability targets an entity, so
// the first active entity of the device carries it.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	dev, err := s.opts.Registry.Device(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	entities := s.opts.Registry.Entities(dev.ID)
	if len(entities) == 0 {
		writeError(w, http.StatusConflict, "device has no entities")
		return
	}

	cmd := model.Command{
		ID:         uuid.NewString(),
		DeviceID:   dev.ID,
		EntityID:   entities[0].ID,
		Capability: model.CapIdentify,
		CreatedAt:  clock.Now(),
	}
	s.runCommand(w, r, cmd)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, cmd model.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), adHocTimeout)
	defer cancel()

	done := make(chan adapter.Outcome, 1)
	s.opts.Adapters.Submit(ctx, cmd, func(o adapter.Outcome) { done <- o })

	var outcome adapter.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "command timed out")
		return
	}

	result := model.CommandResult{CommandID: cmd.ID, Status: model.StatusCompleted, Coalesced: outcome.Coalesced}
	if outcome.Err != nil {
		result.Status = model.StatusFailed
		result.Error = outcome.Err.Error()
		writeJSON(w, statusForError(outcome.Err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusForError(err error) int {
	switch model.CategoryOf(err) {
	case model.CategoryNotFound:
		return http.StatusNotFound
	case model.CategoryBadRequest:
		return http.StatusBadRequest
	case model.CategoryAuth, model.CategoryProtocol, model.CategoryTransient:
		return http.StatusBadGateway
	case model.CategoryExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
