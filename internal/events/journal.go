// Package events records migration observability events and forwards them to sinks.
package events

import (
	"log/slog"
	"strings"
	"time"

	"github.com/tourline/migration-guard/internal/utils"
)

// Tracker emits a migration event. Implementations must never panic or block the caller.
type Tracker interface {
	Track(name string, props map[string]any)
}

// Event is one recorded migration event.
type Event struct {
	Name       string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives every event after it is journaled.
type Sink interface {
	Emit(Event)
}

// Nop discards events.
type Nop struct{}

// Track does nothing.
func (Nop) Track(string, map[string]any) {}

// Journal keeps a bounded in-memory history of events for error-rate analysis
// and fans them out to sinks.
type Journal struct {
	history *utils.Ring[Event]
	sinks   []Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewJournal creates a journal keeping up to capacity events.
func NewJournal(capacity int, logger *slog.Logger, now func() time.Time, sinks ...Sink) *Journal {
	if capacity <= 0 {
		capacity = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{
		history: utils.NewRing[Event](capacity),
		sinks:   sinks,
		logger:  utils.ComponentLogger(logger, "events"),
		now:     now,
	}
}

// Track records name with a copy of props.
func (j *Journal) Track(name string, props map[string]any) {
	ev := Event{Name: name, Timestamp: j.now()}
	if len(props) > 0 {
		ev.Properties = make(map[string]any, len(props))
		for k, v := range props {
			ev.Properties[k] = v
		}
	}
	j.history.Push(ev)
	j.logger.Debug("migration event", slog.String("event", name), slog.Any("properties", ev.Properties))

	for _, sink := range j.sinks {
		j.emit(sink, ev)
	}
}

func (j *Journal) emit(sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Warn("event sink panicked", slog.String("event", ev.Name), slog.Any("panic", r))
		}
	}()
	sink.Emit(ev)
}

// Since returns events recorded at or after t, oldest first.
func (j *Journal) Since(t time.Time) []Event {
	all := j.history.Items()
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if !ev.Timestamp.Before(t) {
			out = append(out, ev)
		}
	}
	return out
}

// ErrorRate computes the share of error-like events over the trailing window.
func (j *Journal) ErrorRate(window time.Duration) (rate float64, errorCount, total int) {
	recent := j.Since(j.now().Add(-window))
	for _, ev := range recent {
		if IsErrorLike(ev) {
			errorCount++
		}
	}
	total = len(recent)
	if total == 0 {
		return 0, 0, 0
	}
	return float64(errorCount) / float64(total), errorCount, total
}

// IsErrorLike reports whether ev describes a failure: its name mentions an
// error or failure, or it carries an error property.
func IsErrorLike(ev Event) bool {
	name := strings.ToLower(ev.Name)
	if strings.Contains(name, "error") || strings.Contains(name, "fail") {
		return true
	}
	if v, ok := ev.Properties["error"]; ok && v != nil && v != "" {
		return true
	}
	return false
}
