// Package rollback reverts the site from the new tracking path to the legacy one.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tourline/migration-guard/internal/events"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/metrics"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/tagmanager"
	"github.com/tourline/migration-guard/internal/utils"
)

// Durable keys owned by the manager.
const (
	KeyHistory      = "rollback_history"
	KeyLegacyBackup = "legacy_tracking_backup"
)

// Step names, in execution order.
const (
	StepDisableNewSystem = "disable_new_system"
	StepRestoreLegacy    = "restore_legacy_tracking"
	StepValidate         = "validate_restoration"
	StepUpdateFlags      = "update_rollback_flags"
	StepBasicFallback    = "basic_fallback"
)

// ErrRollbackInProgress is returned when a trigger arrives during a rollback.
var ErrRollbackInProgress = errors.New("rollback already in progress")

// FlagStore is the part of the flag store the procedure mutates.
type FlagStore interface {
	UpdateFlags(ctx context.Context, updates models.FlagSet)
	RollbackActive() bool
	Reload(ctx context.Context)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(n models.Notification)
}

// Options configures a Manager.
type Options struct {
	Scheduler schedule.Scheduler
	Store     kvstore.Store
	Runtime   tagmanager.Runtime
	Tracker   events.Tracker
	Notifier  Notifier
	Logger    *slog.Logger

	// FallbackConversionID is installed when no legacy backup was captured.
	FallbackConversionID string
	ReloadDelay          time.Duration // 1s
	HistorySize          int           // 10
	NotificationTTL      time.Duration // 10s
	// Timeout bounds the whole procedure independently of the triggering caller.
	Timeout time.Duration // 30s
}

func (o *Options) applyDefaults() {
	if o.Scheduler == nil {
		o.Scheduler = schedule.NewReal()
	}
	if o.Store == nil {
		o.Store = kvstore.Noop{}
	}
	if o.Tracker == nil {
		o.Tracker = events.Nop{}
	}
	if o.ReloadDelay <= 0 {
		o.ReloadDelay = time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 10
	}
	if o.NotificationTTL <= 0 {
		o.NotificationTTL = 10 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// Manager runs at most one rollback at a time.
type Manager struct {
	opts   Options
	flags  FlagStore
	logger *slog.Logger

	mu         sync.Mutex
	inProgress bool
	backup     *tagmanager.LegacyConfig
	history    *utils.Ring[models.RollbackEvent]
	reload     schedule.Handle
}

// New builds a manager and restores the persisted history and legacy backup.
func New(ctx context.Context, flags FlagStore, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:    opts,
		flags:   flags,
		logger:  utils.ComponentLogger(opts.Logger, "rollback"),
		history: utils.NewRing[models.RollbackEvent](opts.HistorySize),
	}
	m.restore(ctx)
	return m
}

func (m *Manager) restore(ctx context.Context) {
	var items []models.RollbackEvent
	if err := kvstore.GetJSON(ctx, m.opts.Store, KeyHistory, &items); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warn("load rollback history", slog.Any("error", err))
		}
	} else {
		m.history.Reset(items)
	}

	var backup tagmanager.LegacyConfig
	if err := kvstore.GetJSON(ctx, m.opts.Store, KeyLegacyBackup, &backup); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warn("load legacy backup", slog.Any("error", err))
		}
		return
	}
	m.backup = &backup
}

// CaptureLegacyBackup stores the live legacy configuration for later restoration.
// It reports whether a backup is available afterwards.
func (m *Manager) CaptureLegacyBackup(ctx context.Context) bool {
	if m.opts.Runtime == nil {
		return m.LegacyBackupAvailable()
	}
	state, err := m.opts.Runtime.Legacy(ctx)
	if err != nil {
		m.logger.Warn("read legacy configuration", slog.Any("error", err))
		return m.LegacyBackupAvailable()
	}
	if !state.Installed || state.Config == nil || state.Config.ConversionID == "" {
		return m.LegacyBackupAvailable()
	}
	cfg := *state.Config
	m.mu.Lock()
	m.backup = &cfg
	m.mu.Unlock()
	if err := kvstore.SetJSON(ctx, m.opts.Store, KeyLegacyBackup, cfg); err != nil {
		m.logger.Warn("persist legacy backup", slog.Any("error", err))
	}
	m.logger.Info("legacy tracking backup captured", slog.String("conversion_id", cfg.ConversionID))
	return true
}

// LegacyBackupAvailable reports whether a legacy configuration was captured.
func (m *Manager) LegacyBackupAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backup != nil
}

// InProgress reports whether a rollback is running.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// LastStartedAt returns the timestamp of the newest recorded rollback.
func (m *Manager) LastStartedAt() (time.Time, bool) {
	last, ok := m.history.Last()
	return last.Timestamp, ok
}

// TriggerEmergencyRollback runs the rollback procedure. Step failures are
// recorded on the returned event; the only error is ErrRollbackInProgress.
// The procedure keeps the caller's values but not its cancellation or
// deadline: once started it runs under Options.Timeout.
func (m *Manager) TriggerEmergencyRollback(ctx context.Context, reason string) (models.RollbackEvent, error) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		m.logger.Warn("rollback trigger ignored, already in progress", slog.String("reason", reason))
		metrics.ObserveRollback(metrics.OutcomeSkipped)
		return models.RollbackEvent{}, ErrRollbackInProgress
	}
	m.inProgress = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.Timeout)
	defer cancel()

	started := time.Now()
	event := models.RollbackEvent{
		ID:        "rb-" + uuid.New().String(),
		Timestamp: m.opts.Scheduler.Now(),
		Reason:    reason,
		Steps:     []models.RollbackStep{},
	}
	logger := m.logger.With(slog.String("rollback_id", event.ID))
	logger.Error("emergency rollback started", slog.String("reason", reason))
	m.opts.Tracker.Track("emergency_rollback_started", map[string]any{"rollbackId": event.ID, "reason": reason})

	steps := []struct {
		name string
		run  func(context.Context) (map[string]any, error)
	}{
		{StepDisableNewSystem, m.disableNewSystem},
		{StepRestoreLegacy, m.restoreLegacy},
		{StepValidate, m.validateRestoration},
		{StepUpdateFlags, m.updateRollbackFlags},
	}

	event.Success = true
	for _, s := range steps {
		step := m.runStep(ctx, event.ID, s.name, s.run)
		event.Steps = append(event.Steps, step)
		if !step.Success {
			event.Success = false
			logger.Error("rollback step failed", slog.String("step", s.name), slog.String("error", step.Error))
			break
		}
	}
	if !event.Success {
		event.Steps = append(event.Steps, m.runStep(ctx, event.ID, StepBasicFallback, m.basicFallback))
	}
	event.Duration = time.Since(started)

	m.finish(ctx, event)
	return event, nil
}

func (m *Manager) runStep(ctx context.Context, rollbackID, name string, run func(context.Context) (map[string]any, error)) (step models.RollbackStep) {
	step = models.RollbackStep{Name: name, Timestamp: m.opts.Scheduler.Now()}
	var kind utils.ErrorKind
	defer func() {
		if r := recover(); r != nil {
			step.Success = false
			step.Error = fmt.Sprintf("%s panicked: %v", name, r)
			kind = utils.KindRollbackStep
		}
		props := map[string]any{
			"rollbackId": rollbackID,
			"step":       name,
			"success":    step.Success,
			"error":      step.Error,
		}
		eventName := "rollback_step"
		if !step.Success {
			eventName = "rollback_step_failed"
			props["kind"] = string(kind)
		}
		m.opts.Tracker.Track(eventName, props)
	}()

	details, err := run(ctx)
	step.Details = details
	if err != nil {
		step.Error = err.Error()
		kind = utils.KindOf(err)
		return step
	}
	step.Success = true
	return step
}

func (m *Manager) finish(ctx context.Context, event models.RollbackEvent) {
	m.history.Push(event)
	if err := kvstore.SetJSON(ctx, m.opts.Store, KeyHistory, m.history.Items()); err != nil {
		m.logger.Warn("persist rollback history", slog.Any("error", err))
	}

	outcome := metrics.OutcomeSuccess
	if !event.Success {
		outcome = metrics.OutcomeFailure
	}
	metrics.ObserveRollback(outcome)

	m.opts.Tracker.Track("emergency_rollback_completed", map[string]any{
		"rollbackId": event.ID,
		"reason":     event.Reason,
		"success":    event.Success,
		"steps":      len(event.Steps),
		"durationMs": event.Duration.Milliseconds(),
	})
	m.logger.Info("emergency rollback finished",
		slog.String("rollback_id", event.ID),
		slog.Bool("success", event.Success),
		slog.Duration("duration", event.Duration),
	)

	if m.opts.Notifier != nil {
		m.opts.Notifier.Notify(notificationFor(event, m.opts.NotificationTTL))
	}
}

func notificationFor(event models.RollbackEvent, ttl time.Duration) models.Notification {
	n := models.Notification{
		Reason:       event.Reason,
		RollbackID:   event.ID,
		DismissAfter: ttl,
		Timestamp:    event.Timestamp,
	}
	if event.Success {
		n.Severity = models.NotifyWarning
		n.Message = "Tracking temporarily reverted to the standard system: " + event.Reason
	} else {
		n.Severity = models.NotifyError
		n.Message = "Tracking rollback completed with errors, fallback applied: " + event.Reason
	}
	return n
}

// Status returns the read-only rollback view.
func (m *Manager) Status() models.RollbackStatus {
	history := m.history.Items()
	status := models.RollbackStatus{
		IsActive:              m.flags.RollbackActive(),
		InProgress:            m.InProgress(),
		History:               history,
		LegacyBackupAvailable: m.LegacyBackupAvailable(),
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		status.LastRollback = &last
	}
	return status
}

// Close cancels a pending flag reload.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reload != nil {
		m.reload.Stop()
		m.reload = nil
	}
}
