package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// EntityKind is the single type of capability an entity exposes.
type EntityKind string

const (
	KindLight        EntityKind = "light"
	KindSwitch       EntityKind = "switch"
	KindSensor       EntityKind = "sensor"
	KindBinarySensor EntityKind = "binary_sensor"
	KindButton       EntityKind = "button"
	KindNumber       EntityKind = "number"
	KindTextSensor   EntityKind = "text_sensor"
	KindLock         EntityKind = "lock"
	KindCover        EntityKind = "cover"
	KindClimate      EntityKind = "climate"
	KindFan          EntityKind = "fan"
	KindOther        EntityKind = "other"
)

// Entity is a singly-typed capability owned by exactly one device. Kind
// and the capability descriptor are immutable for the entity's lifetime;
// conflicting re-enumeration replaces the entity instead of mutating it.
type Entity struct {
	ID        string               `json:"id"`
	DeviceID  string               `json:"device_id"`
	Kind      EntityKind           `json:"kind"`
	Key       string               `json:"key"` // driver-local key (integer or string)
	Name      string               `json:"name"`
	Icon      string               `json:"icon,omitempty"`
	Caps      CapabilityDescriptor `json:"capabilities"`
	Active    bool                 `json:"active"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// EntityDescriptor is an adapter's view of a remote entity during
// enumeration.
type EntityDescriptor struct {
	Kind EntityKind           `json:"kind"`
	Key  string               `json:"key"`
	Name string               `json:"name"`
	Icon string               `json:"icon,omitempty"`
	Caps CapabilityDescriptor `json:"capabilities"`
}

// CapabilityDescriptor is the schema of supported features and value
// ranges for an entity. Unknown metadata keys are preserved verbatim in
// Extra but never influence behavior.
type CapabilityDescriptor struct {
	Capabilities []Capability      `json:"capabilities"`
	Unit         string            `json:"unit,omitempty"`
	Min          *float64          `json:"min,omitempty"`
	Max          *float64          `json:"max,omitempty"`
	Step         *float64          `json:"step,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Shape returns a stable string for capability-compatibility comparison.
// Two descriptors with the same shape describe the same entity; a changed
// shape forces entity replacement. Extra keys do not participate.
func (c CapabilityDescriptor) Shape() string {
	caps := make([]string, len(c.Capabilities))
	for i, cap := range c.Capabilities {
		caps[i] = string(cap)
	}
	sort.Strings(caps)

	var b strings.Builder
	b.WriteString(strings.Join(caps, ","))
	b.WriteByte('|')
	b.WriteString(c.Unit)
	for _, f := range []*float64{c.Min, c.Max, c.Step} {
		b.WriteByte('|')
		if f != nil {
			b.WriteString(strconv.FormatFloat(*f, 'g', -1, 64))
		}
	}
	return b.String()
}

// EntityState is the latest snapshot for an entity. Successive snapshots
// have nondecreasing timestamps; older updates are discarded.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      map[string]any `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Float64Ptr is a convenience for building capability descriptors.
func Float64Ptr(v float64) *float64 { return &v }
