package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/rollback"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/utils"
)

// RollbackRunner executes the rollback procedure.
type RollbackRunner interface {
	TriggerEmergencyRollback(ctx context.Context, reason string) (models.RollbackEvent, error)
	InProgress() bool
	LastStartedAt() (time.Time, bool)
}

// RollbackFlags reports whether rollback is already flagged.
type RollbackFlags interface {
	RollbackActive() bool
}

// Arbiter is the single entry point for automatic rollback requests. It drops
// a request while a rollback runs, once the flags already report rollback, or
// within the cooldown after the last rollback started.
type Arbiter struct {
	runner    RollbackRunner
	flags     RollbackFlags
	scheduler schedule.Scheduler
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	lastRun  time.Time
	accepted int
	dropped  int
}

// NewArbiter builds an arbiter over runner.
func NewArbiter(runner RollbackRunner, flags RollbackFlags, scheduler schedule.Scheduler, cooldown time.Duration, logger *slog.Logger) *Arbiter {
	if scheduler == nil {
		scheduler = schedule.NewReal()
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Arbiter{
		runner:    runner,
		flags:     flags,
		scheduler: scheduler,
		cooldown:  cooldown,
		logger:    utils.ComponentLogger(logger, "arbiter"),
	}
}

// RollbackActive reports whether a rollback is running or already flagged.
func (a *Arbiter) RollbackActive() bool {
	return a.runner.InProgress() || (a.flags != nil && a.flags.RollbackActive())
}

// EmergencyRollback requests an automatic rollback.
func (a *Arbiter) EmergencyRollback(ctx context.Context, reason string) {
	a.Request(ctx, reason)
}

// Request runs the rollback unless it is suppressed and reports whether it ran.
func (a *Arbiter) Request(ctx context.Context, reason string) (models.RollbackEvent, bool) {
	if why := a.suppressed(); why != "" {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("rollback request dropped", slog.String("reason", reason), slog.String("cause", why))
		return models.RollbackEvent{}, false
	}

	a.mu.Lock()
	a.lastRun = a.scheduler.Now()
	a.accepted++
	a.mu.Unlock()

	event, err := a.runner.TriggerEmergencyRollback(ctx, reason)
	if err != nil {
		if errors.Is(err, rollback.ErrRollbackInProgress) {
			a.mu.Lock()
			a.dropped++
			a.mu.Unlock()
		}
		a.logger.Warn("rollback request refused", slog.String("reason", reason), slog.Any("error", err))
		return models.RollbackEvent{}, false
	}
	return event, true
}

func (a *Arbiter) suppressed() string {
	if a.runner.InProgress() {
		return "rollback in progress"
	}
	if a.flags != nil && a.flags.RollbackActive() {
		return "rollback already flagged"
	}
	if a.cooldown <= 0 {
		return ""
	}
	now := a.scheduler.Now()
	a.mu.Lock()
	last := a.lastRun
	a.mu.Unlock()
	if started, ok := a.runner.LastStartedAt(); ok && started.After(last) {
		last = started
	}
	if !last.IsZero() && now.Sub(last) < a.cooldown {
		return "cooldown"
	}
	return ""
}

// Stats reports accepted and dropped requests.
func (a *Arbiter) Stats() (accepted, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted, a.dropped
}
