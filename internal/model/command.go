package model

import (
	"time"
)

// Capability tags a command with the mutation it requests. The set is
// closed; unknown strings fail translation with CategoryBadRequest.
type Capability string

const (
	CapOnOff            Capability = "on_off"
	CapBrightness       Capability = "brightness"
	CapColorTemperature Capability = "color_temperature"
	CapColorRGB         Capability = "color_rgb"
	CapNumberSet        Capability = "number_set"
	CapButtonPress      Capability = "button_press"
	CapLock             Capability = "lock"
	CapCoverPosition    Capability = "cover_position"
	CapClimateTarget    Capability = "climate_target"
	CapVolume           Capability = "volume"
	CapIdentify         Capability = "identify"
)

var capabilities = map[string]Capability{
	string(CapOnOff):            CapOnOff,
	string(CapBrightness):       CapBrightness,
	string(CapColorTemperature): CapColorTemperature,
	string(CapColorRGB):         CapColorRGB,
	string(CapNumberSet):        CapNumberSet,
	string(CapButtonPress):      CapButtonPress,
	string(CapLock):             CapLock,
	string(CapCoverPosition):    CapCoverPosition,
	string(CapClimateTarget):    CapClimateTarget,
	string(CapVolume):           CapVolume,
	string(CapIdentify):         CapIdentify,
}

// ParseCapability translates the capability column into the internal tag.
func ParseCapability(s string) (Capability, bool) {
	c, ok := capabilities[s]
	return c, ok
}

// Scrubbable reports whether intermediate values of this capability can be
// dropped in favor of the latest (brightness scrubbing on a dimmer, etc.).
func (c Capability) Scrubbable() bool {
	switch c {
	case CapBrightness, CapColorTemperature, CapNumberSet, CapVolume, CapCoverPosition:
		return true
	}
	return false
}

// CommandStatus is the remote queue row status. Transitions are monotonic:
// pending -> processing -> {completed, failed}.
type CommandStatus string

const (
	StatusPending    CommandStatus = "pending"
	StatusProcessing CommandStatus = "processing"
	StatusCompleted  CommandStatus = "completed"
	StatusFailed     CommandStatus = "failed"
)

// Command is a request to mutate an entity.
type Command struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"device_id"`
	EntityID    string        `json:"entity_id,omitempty"`
	Capability  Capability    `json:"capability"`
	Value       any           `json:"value"`
	Status      CommandStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

// CommandResult is the outcome published on command/<id>/result.
type CommandResult struct {
	CommandID string        `json:"command_id"`
	Status    CommandStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	Coalesced bool          `json:"coalesced,omitempty"`
}
