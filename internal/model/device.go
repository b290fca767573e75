// Package model defines the shared device/entity/command vocabulary of the
// hub. Adapters produce these types, the registry owns them, and the
// stores persist them. Cross-subsystem references are by identifier, never
// by pointer.
package model

import (
	"time"
)

// Protocol tags the wire protocol a device speaks.
type Protocol string

const (
	ProtocolESPHome Protocol = "esphome"
	ProtocolHue     Protocol = "hue"
	ProtocolMatter  Protocol = "matter"
	ProtocolZigbee  Protocol = "zigbee"
	ProtocolMQTT    Protocol = "mqtt"
	ProtocolHTTP    Protocol = "http"
)

// Device is a physical or logical endpoint. (Protocol, Fingerprint) is
// unique: re-discovery updates the existing record in place.
type Device struct {
	ID              string    `json:"id"`
	Protocol        Protocol  `json:"protocol"`
	Name            string    `json:"name"`
	Address         string    `json:"ip_address"`
	Manufacturer    string    `json:"manufacturer,omitempty"`
	ModelName       string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	RoomID          string    `json:"room_id,omitempty"` // opaque to the daemon
	Fingerprint     string    `json:"fingerprint"`       // MAC, bridge id, pairing id
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastSeen        time.Time `json:"last_seen"`
}

// DeviceDescriptor is the normalized output of discovery, before a device
// is adopted into the registry.
type DeviceDescriptor struct {
	Protocol    Protocol          `json:"protocol"`
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	Port        int               `json:"port,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
}

// Key returns the deduplication key for a descriptor.
func (d DeviceDescriptor) Key() string {
	return string(d.Protocol) + "/" + d.Fingerprint
}

// Credential holds per-device opaque secret bytes (Hue username, ESPHome
// password, pairing secret). Stored encrypted at rest; lifetime equals the
// device's.
type Credential struct {
	DeviceID  string    `json:"device_id"`
	Secret    []byte    `json:"-"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
