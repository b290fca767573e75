// Package brand provides centralized product constants for the hub daemon.
// Keeping them in one place makes it easy to fork or white-label the hub.
package brand

// Product identity.
const (
	Name        = "Cove"
	LowerName   = "cove"
	Description = "Self-hosted smart home hub"
	Version     = "0.4.0"
)

// Environment and filesystem defaults.
const (
	ConfigEnvPrefix = "COVE_"
	DefaultDataDir  = "/var/lib/cove"
	ConfigFileName  = "cove.hcl"
	BinaryName      = "cove"
)

// DefaultListenAddr is the default bind for the HTTP/WebSocket surface.
const DefaultListenAddr = "0.0.0.0:3100"
