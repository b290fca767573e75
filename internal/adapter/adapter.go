// Package adapter defines the contract between the hub core and
// protocol drivers, and runs the shared command pipeline in front of
// them. An adapter owns everything protocol-specific: discovery probes,
// sessions, pairing, and command translation. The core never sees wire
// formats, only the neutral model types.
package adapter

import (
	"context"
	"time"

	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/registry"
)

// SecretStore is the credential surface adapters get. Secrets are opaque
// bytes; validity tracks whether the device still accepts them.
type SecretStore interface {
	SetCredential(deviceID string, secret []byte) error
	Credential(deviceID string) (secret []byte, valid bool, err error)
	InvalidateCredential(deviceID string) error
}

// Env is the hub-side environment handed to each adapter at
// initialization.
type Env struct {
	Bus      *events.Bus
	Registry *registry.Registry
	Secrets  SecretStore
	Config   *config.Config
}

// StateHandler receives pushed or polled state from a device session.
type StateHandler func(entityID string, state, attrs map[string]any, at time.Time)

// Adapter is a protocol driver. Implementations must be safe for
// concurrent use; the pipeline may issue commands for different entities
// in parallel.
type Adapter interface {
	// Protocol identifies the driver.
	Protocol() model.Protocol

	// Initialize prepares the adapter. It must not block on the network.
	Initialize(ctx context.Context, env Env) error

	// Shutdown closes all sessions. In-flight work gets the ctx deadline
	// to drain.
	Shutdown(ctx context.Context) error

	// Discover emits descriptors for reachable devices on the local
	// network until ctx is canceled. Adapters without an active probe
	// may return a nil channel.
	Discover(ctx context.Context) (<-chan model.DeviceDescriptor, error)

	// Pair establishes credentials for a discovered device and returns
	// the filled-in device record.
	Pair(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error)

	// Connect opens (or resumes) the session for a known device.
	Connect(ctx context.Context, device model.Device) error

	// EnumerateEntities lists the device's entities over the open
	// session.
	EnumerateEntities(ctx context.Context, deviceID string) ([]model.EntityDescriptor, error)

	// SubscribeState registers the handler for asynchronous state from
	// the device's session.
	SubscribeState(ctx context.Context, deviceID string, handler StateHandler) error

	// PollState fetches current state on demand, for protocols without
	// push.
	PollState(ctx context.Context, deviceID string) error

	// SendCommand translates and delivers one command. The returned
	// error's category drives the terminal status.
	SendCommand(ctx context.Context, device model.Device, entity model.Entity, cmd model.Command) error
}

// DefaultCommandTimeout bounds a single command execution when the
// config has no per-protocol override.
const DefaultCommandTimeout = 10 * time.Second
