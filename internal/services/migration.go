// Package services assembles the migration-safety components into one
// service with an explicit lifecycle.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tourline/migration-guard/internal/config"
	"github.com/tourline/migration-guard/internal/events"
	"github.com/tourline/migration-guard/internal/flags"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/monitor"
	"github.com/tourline/migration-guard/internal/notify"
	"github.com/tourline/migration-guard/internal/rollback"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/tagmanager"
	"github.com/tourline/migration-guard/internal/utils"
	"github.com/tourline/migration-guard/internal/validator"
)

// Options configures a MigrationService.
type Options struct {
	// Config supplies timings and flag defaults. Nil uses built-in defaults.
	Config    *config.Config
	Stores    kvstore.Scoped
	Runtime   tagmanager.Runtime
	Sinks     []events.Sink
	Scheduler schedule.Scheduler
	Rules     *monitor.RuleEngine
	Logger    *slog.Logger
}

// MigrationService owns one instance of every migration-safety component.
type MigrationService struct {
	cfg       *config.Config
	logger    *slog.Logger
	scheduler schedule.Scheduler
	runtime   tagmanager.Runtime
	latencies *utils.LatencyTracker

	Journal       *events.Journal
	Flags         *flags.Store
	Validator     *validator.Validator
	Monitor       *monitor.Monitor
	Rollback      *rollback.Manager
	Arbiter       *Arbiter
	Notifications *notify.Hub

	mu          sync.Mutex
	initialized bool
	disposed    bool
}

// NewMigrationService wires the components together. Nothing is scheduled
// until Init.
func NewMigrationService(ctx context.Context, opts Options) (*MigrationService, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
	}
	defaults, err := cfg.FlagDefaults()
	if err != nil {
		return nil, err
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = schedule.NewReal()
	}
	runtime := opts.Runtime
	if runtime == nil {
		runtime = tagmanager.NewMemory(cfg.TagManager.ContainerID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	durable := opts.Stores.For(kvstore.ScopeDurable)

	journal := events.NewJournal(cfg.Events.JournalSize, logger, scheduler.Now, opts.Sinks...)
	hub := notify.NewHub(logger)

	flagStore := flags.New(ctx, opts.Stores, flags.Options{
		Defaults: defaults,
		Tracker:  journal,
		Logger:   logger,
	})

	val := validator.New(ctx, durable, validator.Options{
		Scheduler:         scheduler,
		Runtime:           runtime,
		Tracker:           journal,
		Logger:            logger,
		RevalidationDelay: cfg.Validator.RevalidationDelay,
		AttemptTTL:        cfg.Validator.AttemptTTL,
		TimingThreshold:   cfg.Validator.TimingThreshold,
		BurstThreshold:    cfg.Validator.BurstThreshold,
		BurstWindow:       cfg.Validator.BurstWindow,
	})

	manager := rollback.New(ctx, flagStore, rollback.Options{
		Scheduler:            scheduler,
		Store:                durable,
		Runtime:              runtime,
		Tracker:              journal,
		Notifier:             hub,
		Logger:               logger,
		FallbackConversionID: cfg.Rollback.FallbackConversionID,
		ReloadDelay:          cfg.Rollback.ReloadDelay,
		HistorySize:          cfg.Rollback.HistorySize,
		Timeout:              cfg.Rollback.Timeout,
	})

	arbiter := NewArbiter(manager, flagStore, scheduler, cfg.Rollback.Cooldown, logger)

	mon := monitor.New(ctx, monitor.Deps{
		Flags:      flagStore,
		Validation: val,
		Runtime:    runtime,
		Events:     journal,
	}, monitor.Options{
		Scheduler:    scheduler,
		Store:        durable,
		Tracker:      journal,
		Trigger:      arbiter,
		Rules:        opts.Rules,
		Logger:       logger,
		StartupDelay: cfg.Monitor.StartupDelay,
		Interval:     cfg.Monitor.Interval,
		CheckTimeout: cfg.Monitor.CheckTimeout,
		HistorySize:  cfg.Monitor.HistorySize,
	})
	val.SetTrigger(arbiter)

	return &MigrationService{
		cfg:           cfg,
		logger:        utils.ComponentLogger(logger, "migration"),
		scheduler:     scheduler,
		runtime:       runtime,
		latencies:     utils.NewLatencyTracker(1024),
		Journal:       journal,
		Flags:         flagStore,
		Validator:     val,
		Monitor:       mon,
		Rollback:      manager,
		Arbiter:       arbiter,
		Notifications: hub,
	}, nil
}

// Init captures the legacy backup, resolves the session and starts monitoring.
// Calling it again is a no-op.
func (s *MigrationService) Init(ctx context.Context) {
	s.mu.Lock()
	if s.initialized || s.disposed {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	backup := s.Rollback.CaptureLegacyBackup(ctx)
	sessionID := s.Flags.GetOrCreateSessionID(ctx)
	if s.cfg.Monitor.Enabled {
		s.Monitor.StartMonitoring()
	}
	phase := s.Flags.Phase()
	s.Journal.Track("migration_guard_initialized", map[string]any{
		"phase":        string(phase),
		"legacyBackup": backup,
	})
	s.logger.Info("migration guard initialised",
		slog.String("phase", string(phase)),
		slog.String("session_id", sessionID),
		slog.Bool("legacy_backup", backup),
		slog.Bool("monitoring", s.cfg.Monitor.Enabled),
	)
}

// Dispose stops scheduled work and closes the notification hub.
func (s *MigrationService) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.Monitor.StopMonitoring()
	s.Validator.Close()
	s.Rollback.Close()
	s.Notifications.Close()
	s.logger.Info("migration guard disposed")
}

// Ready reports whether Init ran and Dispose did not.
func (s *MigrationService) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && !s.disposed
}

// Assignment describes which tracking path a session uses.
type Assignment struct {
	SessionID string                `json:"session_id"`
	Bucket    int                   `json:"bucket"`
	UseNew    bool                  `json:"use_new_tracking"`
	Parallel  bool                  `json:"parallel_tracking"`
	Phase     models.MigrationPhase `json:"phase"`
}

// AssignmentFor evaluates the rollout for sessionID. An empty id uses the
// service's own session.
func (s *MigrationService) AssignmentFor(ctx context.Context, sessionID string) Assignment {
	if sessionID == "" {
		sessionID = s.Flags.GetOrCreateSessionID(ctx)
	}
	useNew := s.Flags.ShouldUseNewTrackingFor(sessionID)
	validation, _ := s.Flags.GetFlag(flags.ValidationEnabled)
	return Assignment{
		SessionID: sessionID,
		Bucket:    flags.Bucket(sessionID),
		UseNew:    useNew,
		Parallel:  useNew && validation.Bool(),
		Phase:     s.Flags.Phase(),
	}
}

// RecordAttempt feeds a conversion reported by one tracking path into the
// validator. It reports false when the session is not in parallel tracking.
func (s *MigrationService) RecordAttempt(ctx context.Context, sessionID string, system models.TrackingSystem, data models.ConversionData) bool {
	if !s.AssignmentFor(ctx, sessionID).Parallel {
		return false
	}
	switch system {
	case models.SystemLegacy:
		s.Validator.RecordLegacyAttempt(ctx, data)
	case models.SystemNew:
		s.Validator.RecordNewAttempt(ctx, data)
	default:
		return false
	}
	return true
}

// TrackConversion fires a conversion through the path assigned to sessionID.
// In parallel tracking both paths fire and are compared.
func (s *MigrationService) TrackConversion(ctx context.Context, sessionID string, data models.ConversionData) Assignment {
	start := time.Now()
	if data.Timestamp.IsZero() {
		data.Timestamp = s.scheduler.Now()
	}
	assignment := s.AssignmentFor(ctx, sessionID)

	if assignment.UseNew {
		if err := s.pushNewPath(ctx, data); err != nil {
			s.logger.Warn("new tracking path push failed",
				slog.String("event", data.EventName),
				slog.Any("error", err),
			)
		}
	}
	if assignment.Parallel {
		s.Validator.RecordLegacyAttempt(ctx, data)
		s.Validator.RecordNewAttempt(ctx, data)
	}
	system := models.SystemLegacy
	if assignment.UseNew {
		system = models.SystemNew
	}
	s.Journal.Track("conversion_tracked", map[string]any{
		"eventName": data.EventName,
		"system":    string(system),
		"parallel":  assignment.Parallel,
	})

	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("conversion tracking latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count),
		)
	}
	return assignment
}

func (s *MigrationService) pushNewPath(ctx context.Context, data models.ConversionData) error {
	log, err := s.runtime.EventLog(ctx)
	if err != nil {
		return err
	}
	entry := tagmanager.Entry{
		"event":              data.EventName,
		"value":              data.Value,
		"currency":           data.Currency,
		tagmanager.SystemKey: string(models.SystemNew),
	}
	if data.TransactionID != "" {
		entry["transaction_id"] = data.TransactionID
	}
	return log.Push(ctx, entry)
}

// TriggerRollback runs an operator-requested rollback, bypassing the cooldown.
func (s *MigrationService) TriggerRollback(ctx context.Context, reason string) (models.RollbackEvent, error) {
	if reason == "" {
		reason = "manual rollback"
	}
	return s.Rollback.TriggerEmergencyRollback(ctx, reason)
}
