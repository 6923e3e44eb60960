package rollback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourline/migration-guard/internal/flags"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/schedule"
	"github.com/tourline/migration-guard/internal/tagmanager"
)

var t0 = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recordingNotifier) Notify(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

type fixture struct {
	durable  *kvstore.Memory
	flags    *flags.Store
	runtime  *tagmanager.Memory
	clock    *schedule.Manual
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	durable := kvstore.NewMemory(0)
	store := flags.New(context.Background(), kvstore.Scoped{Session: kvstore.NewMemory(0), Durable: durable}, flags.Options{
		Defaults: models.FlagSet{
			flags.UseNewTracking:    models.BoolFlag(true),
			flags.RolloutPercentage: models.NumberFlag(100),
		},
	})
	rt := tagmanager.NewMemory("GTM-TEST")
	rt.SetLegacy(tagmanager.LegacyState{Installed: true, Callable: true, Config: &tagmanager.LegacyConfig{ConversionID: "AW-111"}})
	return &fixture{
		durable:  durable,
		flags:    store,
		runtime:  rt,
		clock:    schedule.NewManual(t0),
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) manager(runtime tagmanager.Runtime, opts Options) *Manager {
	opts.Scheduler = f.clock
	opts.Store = f.durable
	opts.Runtime = runtime
	opts.Notifier = f.notifier
	return New(context.Background(), f.flags, opts)
}

func stepNames(event models.RollbackEvent) []string {
	names := make([]string, 0, len(event.Steps))
	for _, s := range event.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestSuccessfulRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	log, _ := f.runtime.EventLog(ctx)
	_ = log.Push(ctx, tagmanager.Entry{"event": "purchase", tagmanager.SystemKey: "new"})

	m := f.manager(f.runtime, Options{})
	require.True(t, m.CaptureLegacyBackup(ctx))

	event, err := m.TriggerEmergencyRollback(ctx, "3 high-severity tracking discrepancies")
	require.NoError(t, err)
	require.True(t, event.Success)
	require.True(t, strings.HasPrefix(event.ID, "rb-"))
	require.Equal(t, []string{StepDisableNewSystem, StepRestoreLegacy, StepValidate, StepUpdateFlags}, stepNames(event))

	require.True(t, f.flags.RollbackActive())
	for _, name := range append([]string{flags.UseNewTracking}, flags.NewSystemSubFlags...) {
		v, _ := f.flags.GetFlag(name)
		require.False(t, v.Bool(), name)
	}
	state, _ := f.runtime.Container(ctx)
	require.True(t, state.Paused)
	entries, _ := log.Entries(ctx)
	require.False(t, tagmanager.FindEntry(entries, tagmanager.Entry{tagmanager.SystemKey: "new"}))

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, models.NotifyWarning, f.notifier.sent[0].Severity)
	require.Contains(t, f.notifier.sent[0].Message, "3 high-severity tracking discrepancies")
	require.Equal(t, 10*time.Second, f.notifier.sent[0].DismissAfter)

	status := m.Status()
	require.True(t, status.IsActive)
	require.False(t, status.InProgress)
	require.True(t, status.LegacyBackupAvailable)
	require.NotNil(t, status.LastRollback)
	require.Equal(t, event.ID, status.LastRollback.ID)
}

func TestRestoreFailureStopsAndFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runtime.FailInstall(errors.New("legacy script blocked"))
	m := f.manager(f.runtime, Options{})
	m.CaptureLegacyBackup(ctx)

	event, err := m.TriggerEmergencyRollback(ctx, "container critical")
	require.NoError(t, err)
	require.False(t, event.Success)
	require.Equal(t, []string{StepDisableNewSystem, StepRestoreLegacy, StepBasicFallback}, stepNames(event))
	require.True(t, event.Steps[0].Success)
	require.False(t, event.Steps[1].Success)
	require.Contains(t, event.Steps[1].Error, "legacy script blocked")
	require.True(t, event.Steps[2].Success)

	var persisted models.FlagSet
	require.NoError(t, kvstore.GetJSON(ctx, f.durable, flags.KeyFlags, &persisted))
	require.True(t, persisted[flags.EmergencyRollbackEnabled].Bool())
	require.True(t, persisted[flags.LegacyFallbackEnabled].Bool())
	require.True(t, persisted[flags.RolloutPercentage].IsNumber(), "fallback keeps unrelated flags")

	require.False(t, f.flags.RollbackActive(), "in-memory flags update only on reload")
	f.clock.Advance(time.Second)
	require.True(t, f.flags.RollbackActive())

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, models.NotifyError, f.notifier.sent[0].Severity)
}

func TestFallbackConversionIDWithoutBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runtime.SetLegacy(tagmanager.LegacyState{})
	m := f.manager(f.runtime, Options{FallbackConversionID: "AW-999"})
	require.False(t, m.CaptureLegacyBackup(ctx))

	event, err := m.TriggerEmergencyRollback(ctx, "manual")
	require.NoError(t, err)
	require.True(t, event.Success)
	require.Equal(t, "fallback", event.Steps[1].Details["source"])

	state, _ := f.runtime.Legacy(ctx)
	require.Equal(t, "AW-999", state.Config.ConversionID)
}

func TestNoLegacyConfigurationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runtime.SetLegacy(tagmanager.LegacyState{})
	m := f.manager(f.runtime, Options{})

	event, err := m.TriggerEmergencyRollback(ctx, "manual")
	require.NoError(t, err)
	require.False(t, event.Success)
	require.Equal(t, []string{StepDisableNewSystem, StepRestoreLegacy, StepBasicFallback}, stepNames(event))
}

type uncallableLegacy struct {
	*tagmanager.Memory
}

func (u uncallableLegacy) Legacy(ctx context.Context) (tagmanager.LegacyState, error) {
	state, err := u.Memory.Legacy(ctx)
	state.Callable = false
	return state, err
}

func TestValidationFailureSkipsFlagUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(uncallableLegacy{f.runtime}, Options{})
	m.CaptureLegacyBackup(ctx)

	event, err := m.TriggerEmergencyRollback(ctx, "manual")
	require.NoError(t, err)
	require.Equal(t, []string{StepDisableNewSystem, StepRestoreLegacy, StepValidate, StepBasicFallback}, stepNames(event))
	require.Contains(t, event.Steps[2].Error, "not callable")
}

type panickingRuntime struct {
	*tagmanager.Memory
}

func (panickingRuntime) PauseContainer(context.Context) error { panic("runtime exploded") }

func TestPanickingStepIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(panickingRuntime{f.runtime}, Options{})

	var event models.RollbackEvent
	require.NotPanics(t, func() {
		event, _ = m.TriggerEmergencyRollback(ctx, "manual")
	})
	require.False(t, event.Success)
	require.Equal(t, []string{StepDisableNewSystem, StepBasicFallback}, stepNames(event))
	require.Contains(t, event.Steps[0].Error, "runtime exploded")
	require.False(t, m.InProgress())
}

type blockingRuntime struct {
	*tagmanager.Memory
	entered chan struct{}
	release chan struct{}
}

func (b blockingRuntime) InstallLegacy(ctx context.Context, cfg tagmanager.LegacyConfig) error {
	close(b.entered)
	<-b.release
	return b.Memory.InstallLegacy(ctx, cfg)
}

func TestConcurrentTriggerIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rt := blockingRuntime{Memory: f.runtime, entered: make(chan struct{}), release: make(chan struct{})}
	m := f.manager(rt, Options{})
	m.CaptureLegacyBackup(ctx)

	done := make(chan models.RollbackEvent)
	go func() {
		event, _ := m.TriggerEmergencyRollback(ctx, "first")
		done <- event
	}()
	<-rt.entered
	require.True(t, m.InProgress())

	_, err := m.TriggerEmergencyRollback(ctx, "second")
	require.ErrorIs(t, err, ErrRollbackInProgress)

	close(rt.release)
	first := <-done
	require.True(t, first.Success)
	require.Len(t, m.Status().History, 1)
}

func TestHistoryBoundedAndRestored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(f.runtime, Options{HistorySize: 2})
	m.CaptureLegacyBackup(ctx)
	for i := 0; i < 3; i++ {
		_, err := m.TriggerEmergencyRollback(ctx, "drill")
		require.NoError(t, err)
	}
	require.Len(t, m.Status().History, 2)

	restored := f.manager(f.runtime, Options{HistorySize: 2})
	require.Len(t, restored.Status().History, 2)
	require.True(t, restored.LegacyBackupAvailable())
	_, ok := restored.LastStartedAt()
	require.True(t, ok)
}

type contextKey struct{}

type ctxRecordingRuntime struct {
	*tagmanager.Memory
	seen *context.Context
}

func (c ctxRecordingRuntime) PauseContainer(ctx context.Context) error {
	*c.seen = ctx
	return c.Memory.PauseContainer(ctx)
}

func TestRollbackOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	var seen context.Context
	m := f.manager(ctxRecordingRuntime{Memory: f.runtime, seen: &seen}, Options{Timeout: time.Minute})
	m.CaptureLegacyBackup(context.Background())

	parent := context.WithValue(context.Background(), contextKey{}, "ingest")
	parent, cancel := context.WithDeadline(parent, time.Now().Add(-time.Second))
	defer cancel()
	require.Error(t, parent.Err())

	event, err := m.TriggerEmergencyRollback(parent, "3 high-severity tracking discrepancies")
	require.NoError(t, err)
	require.True(t, event.Success)

	require.NotNil(t, seen)
	require.NoError(t, seen.Err())
	require.Equal(t, "ingest", seen.Value(contextKey{}))
	deadline, ok := seen.Deadline()
	require.True(t, ok)
	require.True(t, deadline.After(time.Now().Add(50*time.Second)), "deadline %v comes from the caller", deadline)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

type trackedEvent struct {
	name  string
	props map[string]any
}

func (r *recordingTracker) Track(name string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, trackedEvent{name: name, props: props})
}

func (r *recordingTracker) named(name string) []trackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trackedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestFailedStepEventsCarryErrorKind(t *testing.T) {
	ctx := context.Background()

	t.Run("missing legacy configuration", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.SetLegacy(tagmanager.LegacyState{})
		tracker := &recordingTracker{}
		m := f.manager(f.runtime, Options{Tracker: tracker})

		_, err := m.TriggerEmergencyRollback(ctx, "manual")
		require.NoError(t, err)
		failed := tracker.named("rollback_step_failed")
		require.Len(t, failed, 1)
		require.Equal(t, StepRestoreLegacy, failed[0].props["step"])
		require.Equal(t, "rollback_step", failed[0].props["kind"])
		for _, ok := range tracker.named("rollback_step") {
			require.NotContains(t, ok.props, "kind")
		}
	})

	t.Run("legacy function not callable", func(t *testing.T) {
		f := newFixture(t)
		tracker := &recordingTracker{}
		m := f.manager(uncallableLegacy{f.runtime}, Options{Tracker: tracker})
		m.CaptureLegacyBackup(ctx)

		_, err := m.TriggerEmergencyRollback(ctx, "manual")
		require.NoError(t, err)
		failed := tracker.named("rollback_step_failed")
		require.Len(t, failed, 1)
		require.Equal(t, StepValidate, failed[0].props["step"])
		require.Equal(t, "validation", failed[0].props["kind"])
	})
}
