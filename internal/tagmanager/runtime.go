// Package tagmanager abstracts the tag-management runtime the migration guard
// observes: the event log (dataLayer), the container registry and the legacy
// conversion-tracking function.
package tagmanager

import (
	"context"
	"errors"
)

// Entry is one event-log record.
type Entry map[string]any

// SystemKey marks which tracking path pushed an entry.
const SystemKey = "tracking_system"

// ErrUnavailable signals that the runtime or one of its parts is not reachable.
var ErrUnavailable = errors.New("tagmanager: runtime unavailable")

// EventLog is the append-only event stream consumed by the tag manager.
type EventLog interface {
	Push(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	// RemoveBySystem drops entries whose SystemKey equals system and reports how many were removed.
	RemoveBySystem(ctx context.Context, system string) (int, error)
}

// ContainerState reports the load state of the configured container.
type ContainerState struct {
	ScriptLoaded bool `json:"script_loaded"`
	Registered   bool `json:"registered"`
	Paused       bool `json:"paused"`
}

// LegacyConfig is the configuration of the pre-existing conversion tracker.
type LegacyConfig struct {
	ConversionID string            `json:"conversion_id" yaml:"conversion_id"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels"`
	ScriptURL    string            `json:"script_url,omitempty" yaml:"script_url"`
}

// LegacyState reports whether the legacy tracker is present and callable.
type LegacyState struct {
	Installed bool          `json:"installed"`
	Callable  bool          `json:"callable"`
	Config    *LegacyConfig `json:"config,omitempty"`
}

// Runtime is the tag-management runtime.
type Runtime interface {
	// EventLog returns the event log or ErrUnavailable when it does not exist.
	EventLog(ctx context.Context) (EventLog, error)
	ContainerID() string
	Container(ctx context.Context) (ContainerState, error)
	PauseContainer(ctx context.Context) error
	Legacy(ctx context.Context) (LegacyState, error)
	InstallLegacy(ctx context.Context, cfg LegacyConfig) error
}

// FindEntry reports whether any entry has every key/value of match.
func FindEntry(entries []Entry, match Entry) bool {
	for _, e := range entries {
		ok := true
		for k, v := range match {
			if e[k] != v {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
