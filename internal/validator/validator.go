// Package validator compares the conversions reported by the legacy and new
// tracking paths and escalates disagreements.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

// KeyValidation is the durable key holding the attempt and comparison history.
const KeyValidation = "parallel_tracking_validation"

// RollbackTrigger is invoked when high-severity discrepancies arrive in a burst.
type RollbackTrigger interface {
	EmergencyRollback(ctx context.Context, reason string)
	RollbackActive() bool
}

// Options configures a Validator. Zero values take the documented defaults.
type Options struct {
	Scheduler schedule.Scheduler
	// Runtime provides the event log used to re-validate new-path attempts.
	// Without it new attempts keep their provisional status.
	Runtime tagmanager.Runtime
	Tracker events.Tracker
	Trigger RollbackTrigger
	Logger  *slog.Logger

	RevalidationDelay time.Duration // 2s
	AttemptTTL        time.Duration // 10m
	TimingThreshold   time.Duration // 5s
	BurstThreshold    int           // 3
	BurstWindow       time.Duration // 5m
	AttemptHistory    int           // 100
	ComparisonHistory int           // 50
}

func (o *Options) applyDefaults() {
	if o.Scheduler == nil {
		o.Scheduler = schedule.NewReal()
	}
	if o.Tracker == nil {
		o.Tracker = events.Nop{}
	}
	if o.RevalidationDelay <= 0 {
		o.RevalidationDelay = 2 * time.Second
	}
	if o.AttemptTTL <= 0 {
		o.AttemptTTL = 10 * time.Minute
	}
	if o.TimingThreshold <= 0 {
		o.TimingThreshold = 5 * time.Second
	}
	if o.BurstThreshold <= 0 {
		o.BurstThreshold = 3
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = 5 * time.Minute
	}
	if o.AttemptHistory <= 0 {
		o.AttemptHistory = 100
	}
	if o.ComparisonHistory <= 0 {
		o.ComparisonHistory = 50
	}
}

type pair struct {
	legacy     *models.TrackingAttempt
	fresh      *models.TrackingAttempt
	firstSeen  time.Time
	compared   bool
	revalidate schedule.Handle
	pendingNew bool
}

func (p *pair) done() bool {
	return p.compared && !p.pendingNew
}

// Validator records tracking attempts from both paths and compares matched pairs.
type Validator struct {
	opts   Options
	kv     kvstore.Store
	logger *slog.Logger

	mu             sync.Mutex
	pairs          map[string]*pair
	attempts       *utils.Ring[models.TrackingAttempt]
	comparisons    *utils.Ring[models.ComparisonResult]
	highTimes      []time.Time
	lastComparison time.Time
	closed         bool
}

type persisted struct {
	Attempts    []models.TrackingAttempt  `json:"attempts"`
	Comparisons []models.ComparisonResult `json:"comparisons"`
}

// New builds a validator and restores persisted history from store.
func New(ctx context.Context, store kvstore.Store, opts Options) *Validator {
	opts.applyDefaults()
	if store == nil {
		store = kvstore.Noop{}
	}
	v := &Validator{
		opts:        opts,
		kv:          store,
		logger:      utils.ComponentLogger(opts.Logger, "validator"),
		pairs:       make(map[string]*pair),
		attempts:    utils.NewRing[models.TrackingAttempt](opts.AttemptHistory),
		comparisons: utils.NewRing[models.ComparisonResult](opts.ComparisonHistory),
	}
	v.restore(ctx)
	return v
}

// SetTrigger wires the rollback trigger after construction.
func (v *Validator) SetTrigger(trigger RollbackTrigger) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opts.Trigger = trigger
}

func (v *Validator) restore(ctx context.Context) {
	var state persisted
	if err := kvstore.GetJSON(ctx, v.kv, KeyValidation, &state); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			v.logger.Warn("load validation history", slog.Any("error", err))
		}
		return
	}
	v.attempts.Reset(state.Attempts)
	v.comparisons.Reset(state.Comparisons)
	if last, ok := v.comparisons.Last(); ok {
		v.lastComparison = last.Timestamp
	}
}

func (v *Validator) persist(ctx context.Context) {
	state := persisted{Attempts: v.attempts.Items(), Comparisons: v.comparisons.Items()}
	if err := kvstore.SetJSON(ctx, v.kv, KeyValidation, state); err != nil {
		v.logger.Warn("persist validation history", slog.Any("error", err))
	}
}

// RecordLegacyAttempt records a conversion fired by the legacy path. Legacy
// attempts are successful unless the payload says otherwise.
func (v *Validator) RecordLegacyAttempt(ctx context.Context, data models.ConversionData) {
	v.record(ctx, models.SystemLegacy, data)
}

// RecordNewAttempt records a conversion fired by the new path. The attempt is
// provisionally successful and re-validated against the event log later.
func (v *Validator) RecordNewAttempt(ctx context.Context, data models.ConversionData) {
	v.record(ctx, models.SystemNew, data)
}

func (v *Validator) record(ctx context.Context, system models.TrackingSystem, data models.ConversionData) {
	now := v.opts.Scheduler.Now()
	ts := data.Timestamp
	if ts.IsZero() {
		ts = now
	}
	success := true
	if data.Success != nil {
		success = *data.Success
	}
	key := TrackingKey(data.TransactionID, data.EventName)
	attempt := models.TrackingAttempt{
		System:      system,
		Timestamp:   ts,
		TrackingKey: key,
		Payload:     data,
		Success:     success,
		Validated:   system == models.SystemLegacy,
	}

	var result *models.ComparisonResult

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.pruneLocked(now)
	p, ok := v.pairs[key]
	if !ok {
		p = &pair{firstSeen: now}
		v.pairs[key] = p
	}
	stored := attempt
	if system == models.SystemLegacy {
		p.legacy = &stored
	} else {
		if p.revalidate != nil {
			p.revalidate.Stop()
			p.revalidate = nil
		}
		p.fresh = &stored
		p.pendingNew = false
		if success && v.opts.Runtime != nil {
			p.pendingNew = true
			p.revalidate = v.opts.Scheduler.AfterFunc(v.opts.RevalidationDelay, func() {
				v.revalidate(key)
			})
		} else {
			p.fresh.Validated = true
		}
	}
	v.attempts.Push(attempt)
	if p.legacy != nil && p.fresh != nil && !p.compared {
		r := CompareAttempts(key, *p.legacy, *p.fresh, now, v.opts.TimingThreshold)
		p.compared = true
		v.comparisons.Push(r)
		v.lastComparison = now
		result = &r
	}
	if p.done() {
		delete(v.pairs, key)
	}
	v.mu.Unlock()

	v.logger.Debug("tracking attempt recorded",
		slog.String("system", string(system)),
		slog.String("tracking_key", key),
		slog.String("event", data.EventName),
	)
	v.persist(ctx)
	if result != nil {
		v.publish(ctx, *result, false)
	}
}

func (v *Validator) pruneLocked(now time.Time) {
	for key, p := range v.pairs {
		if now.Sub(p.firstSeen) > v.opts.AttemptTTL {
			if p.revalidate != nil {
				p.revalidate.Stop()
			}
			delete(v.pairs, key)
		}
	}
}

func (v *Validator) revalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	v.mu.Lock()
	p, ok := v.pairs[key]
	if !ok || p.fresh == nil || v.closed {
		v.mu.Unlock()
		return
	}
	payload := p.fresh.Payload
	v.mu.Unlock()

	found, reason := v.lookupEventLog(ctx, payload)

	var result *models.ComparisonResult
	v.mu.Lock()
	p, ok = v.pairs[key]
	if !ok || p.fresh == nil {
		v.mu.Unlock()
		return
	}
	p.pendingNew = false
	p.revalidate = nil
	p.fresh.Validated = true
	downgraded := false
	if !found && p.fresh.Success {
		p.fresh.Success = false
		p.fresh.ValidationReason = reason
		downgraded = true
		updated := *p.fresh
		v.attempts.Replace(func(a models.TrackingAttempt) bool {
			return a.TrackingKey == key && a.System == models.SystemNew
		}, updated)
	}
	if downgraded && p.compared {
		now := v.opts.Scheduler.Now()
		r := CompareAttempts(key, *p.legacy, *p.fresh, now, v.opts.TimingThreshold)
		if !v.comparisons.Replace(func(c models.ComparisonResult) bool { return c.TrackingKey == key }, r) {
			v.comparisons.Push(r)
		}
		v.lastComparison = now
		result = &r
	}
	if p.done() {
		delete(v.pairs, key)
	}
	v.mu.Unlock()

	if downgraded {
		v.logger.Warn("new tracking attempt not confirmed",
			slog.String("tracking_key", key),
			slog.String("reason", reason),
		)
		v.opts.Tracker.Track("parallel_tracking_validation_failed", map[string]any{
			"trackingKey": key,
			"eventName":   payload.EventName,
			"reason":      reason,
		})
	}
	v.persist(ctx)
	if result != nil {
		v.publish(ctx, *result, true)
	}
}

func (v *Validator) lookupEventLog(ctx context.Context, payload models.ConversionData) (bool, string) {
	log, err := v.opts.Runtime.EventLog(ctx)
	if err != nil {
		return false, fmt.Sprintf("event log unavailable: %v", err)
	}
	entries, err := log.Entries(ctx)
	if err != nil {
		return false, fmt.Sprintf("event log unreadable: %v", err)
	}
	match := tagmanager.Entry{"event": payload.EventName}
	if payload.TransactionID != "" {
		match["transaction_id"] = payload.TransactionID
	}
	if tagmanager.FindEntry(entries, match) {
		return true, ""
	}
	return false, "event not found in event log"
}

func (v *Validator) publish(ctx context.Context, r models.ComparisonResult, recomputed bool) {
	types := make([]string, 0, len(r.Discrepancies))
	for _, d := range r.Discrepancies {
		types = append(types, string(d.Type))
	}
	metrics.ObserveComparison(string(r.Severity), types)
	v.opts.Tracker.Track("parallel_tracking_comparison", map[string]any{
		"trackingKey":   r.TrackingKey,
		"eventName":     r.EventName,
		"severity":      string(r.Severity),
		"discrepancies": types,
		"recomputed":    recomputed,
	})
	if r.Severity == models.SeverityHigh {
		v.escalate(ctx, r)
	}
}

func (v *Validator) escalate(ctx context.Context, r models.ComparisonResult) {
	v.logger.Error("high severity tracking discrepancy",
		slog.String("tracking_key", r.TrackingKey),
		slog.String("event", r.EventName),
	)
	v.opts.Tracker.Track("parallel_tracking_alert", map[string]any{
		"trackingKey": r.TrackingKey,
		"eventName":   r.EventName,
		"severity":    string(r.Severity),
	})

	now := v.opts.Scheduler.Now()
	v.mu.Lock()
	cutoff := now.Add(-v.opts.BurstWindow)
	kept := v.highTimes[:0]
	for _, t := range v.highTimes {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	v.highTimes = append(kept, now)
	count := len(v.highTimes)
	trigger := v.opts.Trigger
	v.mu.Unlock()

	if count < v.opts.BurstThreshold || trigger == nil || trigger.RollbackActive() {
		return
	}
	reason := fmt.Sprintf("%d high-severity tracking discrepancies within %s", count, v.opts.BurstWindow)
	trigger.EmergencyRollback(ctx, reason)
}

// Compare returns the comparison for key, computing it from the pending pair
// when it is still held.
func (v *Validator) Compare(key string) (models.ComparisonResult, bool) {
	v.mu.Lock()
	p, ok := v.pairs[key]
	if ok && p.legacy != nil && p.fresh != nil {
		r := CompareAttempts(key, *p.legacy, *p.fresh, v.opts.Scheduler.Now(), v.opts.TimingThreshold)
		v.mu.Unlock()
		return r, true
	}
	v.mu.Unlock()

	history := v.comparisons.Items()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TrackingKey == key {
			return history[i], true
		}
	}
	return models.ComparisonResult{}, false
}

// Comparisons returns up to limit comparisons, newest first. limit <= 0 means all.
func (v *Validator) Comparisons(limit int) []models.ComparisonResult {
	history := v.comparisons.Items()
	out := make([]models.ComparisonResult, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// LastComparisonAt returns when the latest comparison was produced.
func (v *Validator) LastComparisonAt() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastComparison
}

// PendingPairs returns the number of unmatched or unvalidated tracking keys.
func (v *Validator) PendingPairs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pairs)
}

// GetValidationSummary aggregates comparisons produced within the trailing window.
func (v *Validator) GetValidationSummary(window time.Duration) models.ValidationSummary {
	if window <= 0 {
		window = time.Hour
	}
	now := v.opts.Scheduler.Now()
	summary := models.ValidationSummary{
		WindowMs: window.Milliseconds(),
		BySeverity: map[models.Severity]int{
			models.SeverityHigh:   0,
			models.SeverityMedium: 0,
			models.SeverityLow:    0,
		},
		TopDiscrepancies: []models.DiscrepancyFrequency{},
	}

	freq := map[models.DiscrepancyType]int{}
	for _, c := range v.comparisons.Items() {
		if !utils.WithinWindow(c.Timestamp, now, window) {
			continue
		}
		summary.TotalComparisons++
		if len(c.Discrepancies) == 0 {
			summary.SuccessfulComparisons++
		}
		for _, d := range c.Discrepancies {
			summary.BySeverity[d.Severity]++
			freq[d.Type]++
		}
	}

	if summary.TotalComparisons > 0 {
		failed := summary.TotalComparisons - summary.SuccessfulComparisons
		summary.DiscrepancyPercent = float64(failed) / float64(summary.TotalComparisons) * 100
	}
	summary.DiscrepancyRate = fmt.Sprintf("%.2f", summary.DiscrepancyPercent)

	for t, n := range freq {
		summary.TopDiscrepancies = append(summary.TopDiscrepancies, models.DiscrepancyFrequency{Type: t, Count: n})
	}
	sort.Slice(summary.TopDiscrepancies, func(i, j int) bool {
		a, b := summary.TopDiscrepancies[i], summary.TopDiscrepancies[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})
	if len(summary.TopDiscrepancies) > 5 {
		summary.TopDiscrepancies = summary.TopDiscrepancies[:5]
	}
	return summary
}

// Close cancels pending re-validations.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	for _, p := range v.pairs {
		if p.revalidate != nil {
			p.revalidate.Stop()
		}
	}
}
