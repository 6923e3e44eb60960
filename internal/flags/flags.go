// Package flags is the feature flag store gating the tracking migration.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/tourline/migration-guard/internal/events"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/metrics"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/utils"
)

// Flag names.
const (
	UseNewTracking           = "useNewTracking"
	RolloutPercentage        = "rolloutPercentage"
	ValidationEnabled        = "validationEnabled"
	EmergencyRollbackEnabled = "emergencyRollbackEnabled"
	LegacyFallbackEnabled    = "legacyFallbackEnabled"
	GTMConversionsEnabled    = "gtmConversionsEnabled"
	EnhancedConversions      = "enhancedConversionsEnabled"
	ServerSideTracking       = "serverSideTrackingEnabled"
)

// NewSystemSubFlags are the capability flags of the new tracking path.
var NewSystemSubFlags = []string{GTMConversionsEnabled, EnhancedConversions, ServerSideTracking}

// Persistence keys.
const (
	KeyFlags     = "flags"
	KeySessionID = "session_id"
)

// Defaults returns the built-in flag set.
func Defaults() models.FlagSet {
	return models.FlagSet{
		UseNewTracking:           models.BoolFlag(false),
		RolloutPercentage:        models.NumberFlag(0),
		ValidationEnabled:        models.BoolFlag(true),
		EmergencyRollbackEnabled: models.BoolFlag(false),
		LegacyFallbackEnabled:    models.BoolFlag(true),
		GTMConversionsEnabled:    models.BoolFlag(true),
		EnhancedConversions:      models.BoolFlag(true),
		ServerSideTracking:       models.BoolFlag(false),
	}
}

// Options configures a Store.
type Options struct {
	// Defaults overlay the built-in defaults.
	Defaults models.FlagSet
	Tracker  events.Tracker
	Logger   *slog.Logger
}

// Store holds the current flag set. The in-memory state is authoritative;
// persistence is best effort.
type Store struct {
	mu        sync.RWMutex
	flags     models.FlagSet
	defaults  models.FlagSet
	sessionID string

	kv      kvstore.Scoped
	tracker events.Tracker
	logger  *slog.Logger
}

// New builds a store, loading persisted flags over the compiled defaults.
func New(ctx context.Context, kv kvstore.Scoped, opts Options) *Store {
	defaults := Defaults()
	for k, v := range opts.Defaults {
		defaults[k] = v
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = events.Nop{}
	}
	s := &Store{
		flags:    defaults.Clone(),
		defaults: defaults,
		kv:       kv,
		tracker:  tracker,
		logger:   utils.ComponentLogger(opts.Logger, "flags"),
	}
	s.Reload(ctx)
	return s
}

// Reload re-reads the persisted flag set over the defaults. A missing or
// unreadable record leaves the defaults in place.
func (s *Store) Reload(ctx context.Context) {
	var persisted models.FlagSet
	err := kvstore.GetJSON(ctx, s.kv.For(kvstore.ScopeDurable), KeyFlags, &persisted)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("load persisted flags", slog.Any("error", err))
		}
		return
	}
	merged := s.defaults.Clone()
	for k, v := range persisted {
		merged[k] = v
	}
	s.mu.Lock()
	s.flags = merged
	s.mu.Unlock()
	s.logger.Info("flags loaded", slog.Int("count", len(persisted)))
}

// GetFlag returns the current value, falling back to the compiled default.
func (s *Store) GetFlag(name string) (models.FlagValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.flags[name]; ok {
		return v, true
	}
	v, ok := s.defaults[name]
	return v, ok
}

func (s *Store) boolFlag(name string) bool {
	v, _ := s.GetFlag(name)
	return v.Bool()
}

// Snapshot returns a copy of the current flags.
func (s *Store) Snapshot() models.FlagSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags.Clone()
}

// UpdateFlag sets name to value and persists the set. Persistence failures are logged.
func (s *Store) UpdateFlag(ctx context.Context, name string, value models.FlagValue) {
	s.UpdateFlags(ctx, models.FlagSet{name: value})
}

// UpdateFlags applies several updates with a single persist and one event per flag.
func (s *Store) UpdateFlags(ctx context.Context, updates models.FlagSet) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	previous := make(map[string]models.FlagValue, len(updates))
	for name, value := range updates {
		previous[name] = s.flags[name]
		s.flags[name] = value
	}
	snapshot := s.flags.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	for name, value := range updates {
		metrics.ObserveFlagUpdate(name)
		s.tracker.Track("feature_flag_updated", map[string]any{
			"flag":     name,
			"value":    value.String(),
			"previous": previous[name].String(),
		})
	}
	if v, ok := updates[RolloutPercentage]; ok && !validRollout(v.Number()) {
		s.logger.Warn("rollout percentage outside [0,100]", slog.Float64("value", v.Number()))
	}
}

func (s *Store) persist(ctx context.Context, snapshot models.FlagSet) {
	if err := kvstore.SetJSON(ctx, s.kv.For(kvstore.ScopeDurable), KeyFlags, snapshot); err != nil {
		s.logger.Warn("persist flags", slog.Any("error", err))
	}
}

// RolloutPercentageValue returns the raw rollout percentage.
func (s *Store) RolloutPercentageValue() float64 {
	v, _ := s.GetFlag(RolloutPercentage)
	return v.Number()
}

// RolloutValid reports whether the rollout percentage lies in [0,100].
func (s *Store) RolloutValid() bool {
	return validRollout(s.RolloutPercentageValue())
}

func validRollout(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 100
}

// Bucket returns the stable rollout bucket of a session in [0,100).
func Bucket(sessionID string) int {
	return int(xxhash.Sum64String(sessionID) % 100)
}

// ShouldUseNewTrackingFor evaluates the rollout for sessionID.
func (s *Store) ShouldUseNewTrackingFor(sessionID string) bool {
	s.mu.RLock()
	useNew := s.flags[UseNewTracking].Bool()
	rollback := s.flags[EmergencyRollbackEnabled].Bool()
	percentage := s.flags[RolloutPercentage].Number()
	s.mu.RUnlock()

	if !useNew || rollback {
		return false
	}
	return float64(Bucket(sessionID)) < percentage
}

// ShouldUseNewTracking evaluates the rollout for the store's own session.
func (s *Store) ShouldUseNewTracking(ctx context.Context) bool {
	return s.ShouldUseNewTrackingFor(s.GetOrCreateSessionID(ctx))
}

// ShouldUseParallelTracking reports whether both paths should fire and be compared.
func (s *Store) ShouldUseParallelTracking(ctx context.Context) bool {
	return s.boolFlag(ValidationEnabled) && s.ShouldUseNewTracking(ctx)
}

// NewTrackingEnabled reports whether the rollout reaches any session at all.
// Unlike ShouldUseNewTracking it does not depend on a session bucket.
func (s *Store) NewTrackingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[UseNewTracking].Bool() &&
		!s.flags[EmergencyRollbackEnabled].Bool() &&
		s.flags[RolloutPercentage].Number() > 0
}

// ParallelTrackingEnabled reports whether parallel tracking runs for some
// sessions, so that comparisons are expected to keep arriving.
func (s *Store) ParallelTrackingEnabled() bool {
	return s.boolFlag(ValidationEnabled) && s.NewTrackingEnabled()
}

// RollbackActive reports whether emergency rollback is flagged.
func (s *Store) RollbackActive() bool {
	return s.boolFlag(EmergencyRollbackEnabled)
}

// Phase derives the migration phase from the current flags.
func (s *Store) Phase() models.MigrationPhase {
	if s.RollbackActive() {
		return models.PhaseRollback
	}
	if !s.boolFlag(UseNewTracking) {
		return models.PhaseNormal
	}
	p := s.RolloutPercentageValue()
	switch {
	case p >= 100:
		return models.PhaseFullRollout
	case p > 0:
		return models.PhasePartialRollout
	default:
		return models.PhaseNormal
	}
}

// EmergencyRollback switches every session to the legacy path. Calling it while
// rollback is already active only logs.
func (s *Store) EmergencyRollback(ctx context.Context, reason string) {
	if s.RollbackActive() && !s.boolFlag(UseNewTracking) {
		s.logger.Warn("emergency rollback already active", slog.String("reason", reason))
		return
	}
	s.logger.Error("emergency rollback", slog.String("reason", reason))
	s.UpdateFlags(ctx, models.FlagSet{
		EmergencyRollbackEnabled: models.BoolFlag(true),
		UseNewTracking:           models.BoolFlag(false),
		LegacyFallbackEnabled:    models.BoolFlag(true),
	})
	s.tracker.Track("emergency_rollback", map[string]any{"reason": reason})
}

// ResetRollback is the manual transition out of rollback. The new path stays
// off until it is re-enabled explicitly.
func (s *Store) ResetRollback(ctx context.Context) {
	if !s.RollbackActive() {
		return
	}
	s.UpdateFlag(ctx, EmergencyRollbackEnabled, models.BoolFlag(false))
	s.tracker.Track("emergency_rollback_reset", nil)
	s.logger.Info("emergency rollback reset")
}

// GetOrCreateSessionID returns the session identifier, creating and persisting
// one in session scope if none exists.
func (s *Store) GetOrCreateSessionID(ctx context.Context) string {
	s.mu.RLock()
	id := s.sessionID
	s.mu.RUnlock()
	if id != "" {
		return id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		return s.sessionID
	}
	store := s.kv.For(kvstore.ScopeSession)
	raw, err := store.Get(ctx, KeySessionID)
	switch {
	case err == nil && len(raw) > 0:
		s.sessionID = string(raw)
		return s.sessionID
	case err != nil && !errors.Is(err, kvstore.ErrNotFound):
		s.logger.Warn("load session id", slog.Any("error", err))
	}

	s.sessionID = uuid.New().String()
	if err := store.Set(ctx, KeySessionID, []byte(s.sessionID)); err != nil {
		s.logger.Warn("persist session id", slog.Any("error", err))
	}
	return s.sessionID
}

// MarshalJSON exposes the current flag set.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
