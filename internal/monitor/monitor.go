// Package monitor periodically assesses migration health and requests a
// rollback when failures compound.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tourline/migration-guard/internal/events"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/metrics"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/tagmanager"
	"github.com/tourline/migration-guard/internal/utils"
)

// KeyHistory is the durable key holding recent health-check results.
const KeyHistory = "health_check_history"

// FlagSource is the part of the flag store the checks read.
type FlagSource interface {
	GetFlag(name string) (models.FlagValue, bool)
	NewTrackingEnabled() bool
	ParallelTrackingEnabled() bool
	RollbackActive() bool
	RolloutValid() bool
	RolloutPercentageValue() float64
}

// ValidationSource is the part of the validator the checks read.
type ValidationSource interface {
	GetValidationSummary(window time.Duration) models.ValidationSummary
	LastComparisonAt() time.Time
}

// ErrorRateSource reports the share of error-like migration events.
type ErrorRateSource interface {
	ErrorRate(window time.Duration) (rate float64, errorCount, total int)
}

// RollbackTrigger receives rollback requests raised by a cycle.
type RollbackTrigger interface {
	EmergencyRollback(ctx context.Context, reason string)
}

// Deps are the collaborators inspected by the checks.
type Deps struct {
	Flags      FlagSource
	Validation ValidationSource
	Runtime    tagmanager.Runtime
	Events     ErrorRateSource
}

// Options configures a Monitor. Zero values take the documented defaults.
type Options struct {
	Scheduler schedule.Scheduler
	Store     kvstore.Store
	Tracker   events.Tracker
	Trigger   RollbackTrigger
	Rules     *RuleEngine
	Logger    *slog.Logger

	StartupDelay time.Duration // 10s
	Interval     time.Duration // 5m
	CheckTimeout time.Duration // 3s
	HistorySize  int           // 24
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
	if o.StartupDelay <= 0 {
		o.StartupDelay = 10 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 3 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 24
	}
}

// Listener observes every completed cycle.
type Listener func(models.HealthCheckResult)

// Monitor runs the health checks on a schedule.
type Monitor struct {
	opts    Options
	deps    Deps
	logger  *slog.Logger
	checks  []namedCheck
	history *utils.Ring[models.HealthCheckResult]
	latency *utils.LatencyTracker

	mu        sync.Mutex
	listeners []Listener
	handle    schedule.Handle
	running   bool
	runs      int
}

// New builds a monitor over deps and restores the persisted history.
func New(ctx context.Context, deps Deps, opts Options) *Monitor {
	opts.applyDefaults()
	m := &Monitor{
		opts:    opts,
		deps:    deps,
		logger:  utils.ComponentLogger(opts.Logger, "monitor"),
		history: utils.NewRing[models.HealthCheckResult](opts.HistorySize),
		latency: utils.NewLatencyTracker(256),
	}
	m.checks = []namedCheck{
		{CheckGTMContainer, m.checkContainer},
		{CheckDataLayer, m.checkDataLayer},
		{CheckConversionAccuracy, m.checkConversionAccuracy},
		{CheckParallelTracking, m.checkParallelTracking},
		{CheckFeatureFlags, m.checkFeatureFlags},
		{CheckErrorRate, m.checkErrorRate},
	}
	m.restore(ctx)
	return m
}

// SetTrigger wires the rollback trigger after construction.
func (m *Monitor) SetTrigger(trigger RollbackTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Trigger = trigger
}

// AddListener registers fn to receive every completed result.
func (m *Monitor) AddListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) restore(ctx context.Context) {
	var items []models.HealthCheckResult
	if err := kvstore.GetJSON(ctx, m.opts.Store, KeyHistory, &items); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warn("load health history", slog.Any("error", err))
		}
		return
	}
	m.history.Reset(items)
}

// StartMonitoring runs a first cycle after the startup delay and then one per interval.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.handle = m.opts.Scheduler.AfterFunc(m.opts.StartupDelay, m.tick)
	m.logger.Info("health monitoring started",
		slog.Duration("startup_delay", m.opts.StartupDelay),
		slog.Duration("interval", m.opts.Interval),
	)
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Interval)
	m.RunHealthChecks(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.handle = m.opts.Scheduler.AfterFunc(m.opts.Interval, m.tick)
	}
}

// StopMonitoring cancels the schedule. A cycle already running completes.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if m.handle != nil {
		m.handle.Stop()
		m.handle = nil
	}
	m.logger.Info("health monitoring stopped")
}

// Running reports whether the schedule is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ForceHealthCheck runs a cycle immediately.
func (m *Monitor) ForceHealthCheck(ctx context.Context) models.HealthCheckResult {
	return m.RunHealthChecks(ctx)
}

type checkOutcome struct {
	name   string
	result models.CheckResult
	ok     bool
}

// RunHealthChecks executes every check, aggregates the results, raises alerts
// and evaluates the rollback conditions.
func (m *Monitor) RunHealthChecks(ctx context.Context) models.HealthCheckResult {
	started := time.Now()
	outcomes := make(chan checkOutcome, len(m.checks))
	for _, c := range m.checks {
		go func(c namedCheck) {
			outcomes <- m.runCheck(ctx, c)
		}(c)
	}

	result := models.HealthCheckResult{
		Timestamp: m.opts.Scheduler.Now(),
		Checks:    make(map[string]models.CheckResult, len(m.checks)),
		Alerts:    []models.Alert{},
	}
	for range m.checks {
		o := <-outcomes
		if o.ok {
			result.Checks[o.name] = o.result
		}
	}
	result.OverallHealth = models.AggregateHealth(result.Checks)
	result.Alerts = m.buildAlerts(result)

	elapsed := time.Since(started)
	m.latency.Observe(elapsed)
	m.history.Push(result)
	m.persist(ctx)
	m.report(result, elapsed)
	m.evaluateRollback(ctx, result)
	return result
}

func (m *Monitor) runCheck(ctx context.Context, c namedCheck) checkOutcome {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()

	done := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn("health check panicked", slog.String("check", c.name), slog.Any("panic", r))
				done <- checkOutcome{name: c.name}
			}
		}()
		res, err := c.run(ctx)
		if err != nil {
			m.logger.Warn("health check failed", slog.String("check", c.name), slog.Any("error", err))
			done <- checkOutcome{name: c.name}
			return
		}
		done <- checkOutcome{name: c.name, result: res, ok: true}
	}()

	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		m.logger.Warn("health check timed out", slog.String("check", c.name), slog.Duration("timeout", m.opts.CheckTimeout))
		return checkOutcome{
			name: c.name,
			ok:   true,
			result: models.CheckResult{
				Status: models.StatusWarning,
				Issues: []string{fmt.Sprintf("check timed out after %s", m.opts.CheckTimeout)},
			},
		}
	}
}

func (m *Monitor) buildAlerts(result models.HealthCheckResult) []models.Alert {
	names := make([]string, 0, len(result.Checks))
	for name := range result.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	alerts := []models.Alert{}
	for _, name := range names {
		check := result.Checks[name]
		if check.Status == models.StatusHealthy {
			continue
		}
		alert := models.Alert{
			Type:      "health_check",
			Severity:  check.Status,
			CheckName: name,
			Message:   strings.Join(check.Issues, "; "),
			Timestamp: result.Timestamp,
		}
		alert.Recommendations = m.opts.Rules.Recommend(alert)
		alerts = append(alerts, alert)
	}
	return alerts
}

func (m *Monitor) persist(ctx context.Context) {
	if err := kvstore.SetJSON(ctx, m.opts.Store, KeyHistory, m.history.Items()); err != nil {
		m.logger.Warn("persist health history", slog.Any("error", err))
	}
}

func (m *Monitor) report(result models.HealthCheckResult, elapsed time.Duration) {
	ranks := make(map[string]int, len(result.Checks))
	for name, c := range result.Checks {
		ranks[name] = c.Status.Rank()
	}
	metrics.ObserveHealthCycle(ranks, result.OverallHealth.Rank(), elapsed)

	for _, alert := range result.Alerts {
		m.opts.Tracker.Track("migration_health_alert", map[string]any{
			"check":    alert.CheckName,
			"severity": string(alert.Severity),
			"message":  alert.Message,
		})
	}
	m.opts.Tracker.Track("health_check_completed", map[string]any{
		"overallHealth": string(result.OverallHealth),
		"alerts":        len(result.Alerts),
	})

	level := slog.LevelInfo
	if result.OverallHealth != models.StatusHealthy {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "health check completed",
		slog.String("overall", string(result.OverallHealth)),
		slog.Int("alerts", len(result.Alerts)),
		slog.Duration("elapsed", elapsed),
	)

	m.mu.Lock()
	m.runs++
	runs := m.runs
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if runs%20 == 0 {
		m.logger.Info("health check latency",
			slog.Int("runs", runs),
			slog.Duration("p95", m.latency.Percentile(95)),
		)
	}
	for _, fn := range listeners {
		fn(result)
	}
}

// rollbackReason returns why the cycle warrants a rollback, or "" if it does not.
// The compound container/accuracy condition is evaluated first: a critical
// container together with a critical discrepancy rate always yields two
// critical alerts, so checking the alert count first would hide it.
func rollbackReason(result models.HealthCheckResult) string {
	container, okContainer := result.Checks[CheckGTMContainer]
	accuracy, okAccuracy := result.Checks[CheckConversionAccuracy]
	if okContainer && okAccuracy &&
		container.Status == models.StatusCritical &&
		accuracy.Metrics["discrepancy_rate"] > criticalDiscrepancyRate {
		return fmt.Sprintf("tag manager container critical with %.2f%% conversion discrepancy rate", accuracy.Metrics["discrepancy_rate"])
	}

	var critical []string
	for _, a := range result.Alerts {
		if a.Severity == models.StatusCritical {
			critical = append(critical, fmt.Sprintf("%s: %s", a.CheckName, a.Message))
		}
	}
	if len(critical) >= 2 {
		return "multiple critical health alerts: " + strings.Join(critical, " | ")
	}
	return ""
}

func (m *Monitor) evaluateRollback(ctx context.Context, result models.HealthCheckResult) {
	reason := rollbackReason(result)
	if reason == "" {
		return
	}
	m.mu.Lock()
	trigger := m.opts.Trigger
	m.mu.Unlock()
	if trigger == nil {
		m.logger.Warn("rollback condition met without trigger", slog.String("reason", reason))
		return
	}
	m.logger.Error("health monitor requesting rollback", slog.String("reason", reason))
	trigger.EmergencyRollback(ctx, reason)
}

// History returns stored results, oldest first.
func (m *Monitor) History() []models.HealthCheckResult {
	return m.history.Items()
}

// Latest returns the most recent result.
func (m *Monitor) Latest() (models.HealthCheckResult, bool) {
	return m.history.Last()
}
