package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/tagmanager"
)

// Check names.
const (
	CheckGTMContainer       = "gtm_container"
	CheckDataLayer          = "data_layer"
	CheckConversionAccuracy = "conversion_accuracy"
	CheckParallelTracking   = "parallel_tracking"
	CheckFeatureFlags       = "feature_flags"
	CheckErrorRate          = "error_rate"
)

// Thresholds.
const (
	criticalDiscrepancyRate = 20.0
	warningDiscrepancyRate  = 10.0
	minComparisons          = 5
	freshnessWindow         = 30 * time.Minute
	criticalErrorRate       = 0.10
	warningErrorRate        = 0.05
	probeSystem             = "health_probe"
)

// CheckFunc runs one health check.
type CheckFunc func(ctx context.Context) (models.CheckResult, error)

type namedCheck struct {
	name string
	run  CheckFunc
}

type checkBuilder struct {
	status  models.HealthStatus
	issues  []string
	metrics map[string]float64
}

func newCheck() *checkBuilder {
	return &checkBuilder{status: models.StatusHealthy, issues: []string{}}
}

func (b *checkBuilder) raise(status models.HealthStatus, format string, args ...any) {
	if status.Rank() > b.status.Rank() {
		b.status = status
	}
	b.issues = append(b.issues, fmt.Sprintf(format, args...))
}

func (b *checkBuilder) metric(name string, v float64) {
	if b.metrics == nil {
		b.metrics = map[string]float64{}
	}
	b.metrics[name] = v
}

func (b *checkBuilder) result() models.CheckResult {
	return models.CheckResult{Status: b.status, Issues: b.issues, Metrics: b.metrics}
}

func (m *Monitor) checkContainer(ctx context.Context) (models.CheckResult, error) {
	b := newCheck()
	rt := m.deps.Runtime
	if rt.ContainerID() == "" {
		b.raise(models.StatusWarning, "no tag manager container id configured")
	}
	if _, err := rt.EventLog(ctx); err != nil {
		if !errors.Is(err, tagmanager.ErrUnavailable) {
			return models.CheckResult{}, err
		}
		b.raise(models.StatusCritical, "event log (dataLayer) unavailable")
		return b.result(), nil
	}
	state, err := rt.Container(ctx)
	if err != nil {
		return models.CheckResult{}, err
	}
	switch {
	case !state.ScriptLoaded:
		b.raise(models.StatusWarning, "container script not present")
	case !state.Registered:
		b.raise(models.StatusWarning, "container script loaded but container failed to register")
	}
	return b.result(), nil
}

func (m *Monitor) checkDataLayer(ctx context.Context) (models.CheckResult, error) {
	b := newCheck()
	log, err := m.deps.Runtime.EventLog(ctx)
	if err != nil {
		if !errors.Is(err, tagmanager.ErrUnavailable) {
			return models.CheckResult{}, err
		}
		b.raise(models.StatusCritical, "event log (dataLayer) absent")
		return b.result(), nil
	}

	probeID := uuid.New().String()
	probe := tagmanager.Entry{
		"event":              "migration_health_probe",
		"probe_id":           probeID,
		tagmanager.SystemKey: probeSystem,
	}
	if err := log.Push(ctx, probe); err != nil {
		b.raise(models.StatusWarning, "event log push failed: %v", err)
		return b.result(), nil
	}
	entries, err := log.Entries(ctx)
	if err != nil {
		b.raise(models.StatusWarning, "event log unreadable after push: %v", err)
		return b.result(), nil
	}
	if !tagmanager.FindEntry(entries, tagmanager.Entry{"probe_id": probeID}) {
		b.raise(models.StatusWarning, "event log push did not persist")
	}
	if _, err := log.RemoveBySystem(ctx, probeSystem); err != nil {
		m.logger.Warn("remove health probe entries", slog.Any("error", err))
	}
	return b.result(), nil
}

func (m *Monitor) checkConversionAccuracy(context.Context) (models.CheckResult, error) {
	b := newCheck()
	summary := m.deps.Validation.GetValidationSummary(time.Hour)
	rate := summary.DiscrepancyPercent
	high := summary.BySeverity[models.SeverityHigh]
	b.metric("discrepancy_rate", rate)
	b.metric("total_comparisons", float64(summary.TotalComparisons))
	b.metric("high_severity", float64(high))

	if rate > criticalDiscrepancyRate {
		b.raise(models.StatusCritical, "discrepancy rate %s%% exceeds %.0f%%", summary.DiscrepancyRate, criticalDiscrepancyRate)
	} else if rate > warningDiscrepancyRate {
		b.raise(models.StatusWarning, "discrepancy rate %s%% exceeds %.0f%%", summary.DiscrepancyRate, warningDiscrepancyRate)
	}
	if high > 0 {
		b.raise(models.StatusCritical, "%d high-severity discrepancies in the last hour", high)
	}
	if summary.TotalComparisons < minComparisons {
		b.raise(models.StatusWarning, "insufficient sample size (%d comparisons)", summary.TotalComparisons)
	}
	return b.result(), nil
}

func (m *Monitor) checkParallelTracking(context.Context) (models.CheckResult, error) {
	b := newCheck()
	if !m.deps.Flags.ParallelTrackingEnabled() {
		return b.result(), nil
	}
	last := m.deps.Validation.LastComparisonAt()
	now := m.opts.Scheduler.Now()
	if last.IsZero() {
		b.raise(models.StatusWarning, "parallel tracking active but no comparison recorded")
		return b.result(), nil
	}
	age := now.Sub(last)
	b.metric("minutes_since_comparison", age.Minutes())
	if age > freshnessWindow {
		b.raise(models.StatusWarning, "no parallel tracking comparison in the last %.0f minutes", freshnessWindow.Minutes())
	}
	return b.result(), nil
}

func (m *Monitor) checkFeatureFlags(context.Context) (models.CheckResult, error) {
	b := newCheck()
	f := m.deps.Flags
	if f.RollbackActive() {
		b.raise(models.StatusCritical, "emergency rollback is active")
	}
	if !f.RolloutValid() {
		b.raise(models.StatusWarning, "rollout percentage %v outside [0,100]", f.RolloutPercentageValue())
	}

	// The gate is evaluated for the rollout as a whole, never for one session.
	flag, _ := f.GetFlag("useNewTracking")
	enabled := f.NewTrackingEnabled()
	switch {
	case enabled && !flag.Bool():
		b.raise(models.StatusWarning, "new tracking enabled while useNewTracking is off")
	case !enabled && flag.Bool() && !f.RollbackActive():
		b.raise(models.StatusWarning, "useNewTracking is on but rollout percentage %v reaches no session", f.RolloutPercentageValue())
	}
	return b.result(), nil
}

func (m *Monitor) checkErrorRate(context.Context) (models.CheckResult, error) {
	b := newCheck()
	rate, errorsSeen, total := m.deps.Events.ErrorRate(time.Hour)
	b.metric("error_rate", rate*100)
	b.metric("events", float64(total))
	switch {
	case rate > criticalErrorRate:
		b.raise(models.StatusCritical, "error rate %.2f%% (%d/%d events) exceeds %.0f%%", rate*100, errorsSeen, total, criticalErrorRate*100)
	case rate > warningErrorRate:
		b.raise(models.StatusWarning, "error rate %.2f%% (%d/%d events) exceeds %.0f%%", rate*100, errorsSeen, total, warningErrorRate*100)
	}
	return b.result(), nil
}
