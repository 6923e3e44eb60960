package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourline/migration-guard/internal/config"
	"github.com/tourline/migration-guard/internal/flags"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/tagmanager"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc     *MigrationService
	clock   *schedule.Manual
	runtime *tagmanager.Memory
	durable *kvstore.Memory
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	t.Setenv("MIGRATION_GUARD_CONFIG", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Monitor.Enabled = false
	cfg.Flags = map[string]any{
		flags.UseNewTracking:    true,
		flags.RolloutPercentage: 100,
		flags.ValidationEnabled: true,
	}
	cfg.Rollback.FallbackConversionID = "AW-1000"
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		clock:   schedule.NewManual(epoch),
		runtime: tagmanager.NewMemory("GTM-TEST"),
		durable: kvstore.NewMemory(0),
	}
	svc, err := NewMigrationService(context.Background(), Options{
		Config:    cfg,
		Stores:    kvstore.Scoped{Session: kvstore.NewMemory(0), Durable: h.durable},
		Runtime:   h.runtime,
		Scheduler: h.clock,
	})
	require.NoError(t, err)
	h.svc = svc
	svc.Init(context.Background())
	t.Cleanup(svc.Dispose)
	return h
}

func failed() *bool {
	v := false
	return &v
}

func TestMatchingPurchaseThroughBothPathsHasNoDiscrepancy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assignment := h.svc.TrackConversion(ctx, "", models.ConversionData{
		EventName:     "purchase",
		Value:         12000,
		Currency:      "JPY",
		TransactionID: "T-12000",
	})
	require.True(t, assignment.UseNew)
	require.True(t, assignment.Parallel)
	require.Equal(t, models.PhaseFullRollout, assignment.Phase)

	h.clock.Advance(2 * time.Second)

	summary := h.svc.Validator.GetValidationSummary(time.Hour)
	require.Equal(t, 1, summary.TotalComparisons)
	require.Equal(t, 1, summary.SuccessfulComparisons)
	require.Equal(t, "0.00", summary.DiscrepancyRate)
	require.Zero(t, h.svc.Validator.PendingPairs())
}

func TestTrackConversionOutsideRolloutUsesLegacyOnly(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Flags[flags.RolloutPercentage] = 0
	})
	ctx := context.Background()

	assignment := h.svc.TrackConversion(ctx, "", models.ConversionData{EventName: "purchase", Value: 10, Currency: "JPY", TransactionID: "T-1"})
	require.False(t, assignment.UseNew)
	require.False(t, assignment.Parallel)
	require.Equal(t, models.PhaseNormal, assignment.Phase)
	require.Zero(t, h.svc.Validator.GetValidationSummary(time.Hour).TotalComparisons)
}

func TestRecordAttemptRejectsSessionsOutsideParallelTracking(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Flags[flags.ValidationEnabled] = false
	})
	ok := h.svc.RecordAttempt(context.Background(), "session-a", models.SystemLegacy, models.ConversionData{EventName: "purchase", TransactionID: "T-1"})
	require.False(t, ok)
}

func TestHighSeverityBurstRollsBackOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, tx := range []string{"T-1", "T-2", "T-3"} {
		data := models.ConversionData{EventName: "purchase", Value: 5000, Currency: "JPY", TransactionID: tx}
		require.True(t, h.svc.RecordAttempt(ctx, "", models.SystemLegacy, data))
		data.Success = failed()
		require.True(t, h.svc.RecordAttempt(ctx, "", models.SystemNew, data))
		h.clock.Advance(10 * time.Second)
	}

	status := h.svc.Rollback.Status()
	require.Len(t, status.History, 1)
	require.True(t, status.History[0].Success)
	require.Contains(t, status.History[0].Reason, "discrepancies")
	require.True(t, h.svc.Flags.RollbackActive())
	require.False(t, h.svc.Flags.ShouldUseNewTracking(ctx))

	data := models.ConversionData{EventName: "purchase", Value: 5000, Currency: "JPY", TransactionID: "T-4"}
	h.svc.Validator.RecordLegacyAttempt(ctx, data)
	data.Success = failed()
	h.svc.Validator.RecordNewAttempt(ctx, data)
	require.Len(t, h.svc.Rollback.Status().History, 1)

	recent := h.svc.Notifications.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, models.NotifyWarning, recent[0].Severity)

	legacy, err := h.runtime.Legacy(ctx)
	require.NoError(t, err)
	require.True(t, legacy.Installed)
	require.Equal(t, "AW-1000", legacy.Config.ConversionID)
}

func TestManualRollbackBypassesCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.TriggerRollback(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "manual rollback", first.Reason)

	h.svc.Flags.ResetRollback(ctx)
	_, err = h.svc.TriggerRollback(ctx, "operator request")
	require.NoError(t, err)
	require.Len(t, h.svc.Rollback.Status().History, 2)
}

func TestInitIsIdempotentAndDisposeStopsMonitoring(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Monitor.Enabled = true
	})
	require.True(t, h.svc.Ready())
	require.True(t, h.svc.Monitor.Running())

	h.svc.Init(context.Background())
	require.Equal(t, 1, h.clock.Pending())

	h.svc.Dispose()
	require.False(t, h.svc.Ready())
	require.False(t, h.svc.Monitor.Running())
	require.Zero(t, h.clock.Pending())
}

func TestAssignmentIsStablePerSession(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Flags[flags.RolloutPercentage] = 50
	})
	ctx := context.Background()
	first := h.svc.AssignmentFor(ctx, "visitor-42")
	for i := 0; i < 5; i++ {
		require.Equal(t, first, h.svc.AssignmentFor(ctx, "visitor-42"))
	}
	require.Equal(t, flags.Bucket("visitor-42") < 50, first.UseNew)
}
