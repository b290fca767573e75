// Package events provides the in-process pub/sub bus for the hub.
// State changes, discoveries, and command outcomes flow through it on
// hierarchical string topics. Each subscription has a bounded mailbox;
// on overflow the oldest event is dropped and the subscriber is told.
package events

import "strings"

// Fixed topics.
const (
	TopicDiscoveryFound    = "discovery/found"
	TopicBusOverflow       = "bus/overflow"
	TopicHistoryOverflow   = "history/overflow"
	TopicPersistenceFailed = "persistence/failed"
	TopicComponentRestart  = "component/restart"
)

// Lifecycle event names carried on device/<id>/lifecycle.
const (
	LifecycleFound         = "found"
	LifecycleLost          = "lost"
	LifecyclePaired        = "paired"
	LifecycleAuthLost      = "auth_lost"
	LifecycleUnreachable   = "unreachable"
	LifecycleProtocolError = "protocol_error"
	LifecycleConnected     = "connected"
)

// TopicEntityState returns entity/<id>/state.
func TopicEntityState(entityID string) string {
	return "entity/" + entityID + "/state"
}

// TopicDeviceLifecycle returns device/<id>/lifecycle.
func TopicDeviceLifecycle(deviceID string) string {
	return "device/" + deviceID + "/lifecycle"
}

// TopicCommandResult returns command/<id>/result.
func TopicCommandResult(commandID string) string {
	return "command/" + commandID + "/result"
}

// MatchTopic reports whether a topic matches a pattern. Patterns are
// slash-separated; "*" matches exactly one segment, a trailing "#"
// matches any remainder. Unknown topics simply never match.
func MatchTopic(pattern, topic string) bool {
	if pattern == "#" || pattern == topic {
		return true
	}

	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "*" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
