package flags

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/models"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingStore) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (failingStore) Remove(context.Context, string) error        { return errors.New("disk gone") }

type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracker) Track(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func newStore(t *testing.T, overrides models.FlagSet) (*Store, kvstore.Scoped) {
	t.Helper()
	kv := kvstore.Scoped{Session: kvstore.NewMemory(0), Durable: kvstore.NewMemory(0)}
	return New(context.Background(), kv, Options{Defaults: overrides}), kv
}

func TestBucketIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("session-%d", i)
		first := Bucket(id)
		require.Equal(t, first, Bucket(id))
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 100)
	}
}

func TestRolloutBoundaries(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, models.FlagSet{UseNewTracking: models.BoolFlag(true)})

	store.UpdateFlag(ctx, RolloutPercentage, models.NumberFlag(0))
	for i := 0; i < 200; i++ {
		require.False(t, store.ShouldUseNewTrackingFor(fmt.Sprintf("s-%d", i)))
	}

	store.UpdateFlag(ctx, RolloutPercentage, models.NumberFlag(100))
	for i := 0; i < 200; i++ {
		require.True(t, store.ShouldUseNewTrackingFor(fmt.Sprintf("s-%d", i)))
	}

	for _, bad := range []float64{150, -10} {
		require.NotPanics(t, func() {
			store.UpdateFlag(ctx, RolloutPercentage, models.NumberFlag(bad))
			store.ShouldUseNewTrackingFor("s-1")
		})
		require.False(t, store.RolloutValid())
	}
}

func TestShouldUseNewTrackingDeterministic(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, models.FlagSet{UseNewTracking: models.BoolFlag(true), RolloutPercentage: models.NumberFlag(50)})
	first := store.ShouldUseNewTracking(ctx)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, store.ShouldUseNewTracking(ctx))
	}
	require.Equal(t, store.ShouldUseNewTrackingFor(store.GetOrCreateSessionID(ctx)), first)
}

func TestParallelTrackingRequiresValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, models.FlagSet{UseNewTracking: models.BoolFlag(true), RolloutPercentage: models.NumberFlag(100)})
	require.True(t, store.ShouldUseParallelTracking(ctx))

	store.UpdateFlag(ctx, ValidationEnabled, models.BoolFlag(false))
	require.False(t, store.ShouldUseParallelTracking(ctx))
}

func TestParallelTrackingEnabledIgnoresSessionBucket(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, models.FlagSet{UseNewTracking: models.BoolFlag(true), RolloutPercentage: models.NumberFlag(1)})
	require.True(t, store.NewTrackingEnabled())
	require.True(t, store.ParallelTrackingEnabled())

	store.UpdateFlag(ctx, RolloutPercentage, models.NumberFlag(0))
	require.False(t, store.NewTrackingEnabled())
	require.False(t, store.ParallelTrackingEnabled())

	store.UpdateFlag(ctx, RolloutPercentage, models.NumberFlag(50))
	store.UpdateFlag(ctx, ValidationEnabled, models.BoolFlag(false))
	require.True(t, store.NewTrackingEnabled())
	require.False(t, store.ParallelTrackingEnabled())

	store.UpdateFlag(ctx, ValidationEnabled, models.BoolFlag(true))
	store.EmergencyRollback(ctx, "drill")
	require.False(t, store.NewTrackingEnabled())
	require.False(t, store.ParallelTrackingEnabled())
}

func TestEmergencyRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker := &recordingTracker{}
	kv := kvstore.Scoped{Session: kvstore.NewMemory(0), Durable: kvstore.NewMemory(0)}
	store := New(ctx, kv, Options{
		Defaults: models.FlagSet{UseNewTracking: models.BoolFlag(true), RolloutPercentage: models.NumberFlag(100)},
		Tracker:  tracker,
	})

	store.EmergencyRollback(ctx, "first")
	store.EmergencyRollback(ctx, "second")

	for i := 0; i < 2; i++ {
		v, _ := store.GetFlag(EmergencyRollbackEnabled)
		require.True(t, v.Bool())
		v, _ = store.GetFlag(UseNewTracking)
		require.False(t, v.Bool())
	}
	require.False(t, store.ShouldUseNewTracking(ctx))
	require.Equal(t, models.PhaseRollback, store.Phase())

	rollbacks := 0
	for _, ev := range tracker.events {
		if ev == "emergency_rollback" {
			rollbacks++
		}
	}
	require.Equal(t, 1, rollbacks)
}

func TestResetRollbackReturnsToNormal(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, models.FlagSet{UseNewTracking: models.BoolFlag(true), RolloutPercentage: models.NumberFlag(30)})
	require.Equal(t, models.PhasePartialRollout, store.Phase())

	store.EmergencyRollback(ctx, "test")
	require.Equal(t, models.PhaseRollback, store.Phase())

	store.ResetRollback(ctx)
	require.Equal(t, models.PhaseNormal, store.Phase())
	require.False(t, store.RollbackActive())
}

func TestFlagsPersistAndReload(t *testing.T) {
	ctx := context.Background()
	store, kv := newStore(t, nil)
	store.UpdateFlags(ctx, models.FlagSet{
		UseNewTracking:    models.BoolFlag(true),
		RolloutPercentage: models.NumberFlag(100),
	})

	reloaded := New(ctx, kv, Options{})
	require.Equal(t, models.PhaseFullRollout, reloaded.Phase())
	require.Equal(t, store.GetOrCreateSessionID(ctx), reloaded.GetOrCreateSessionID(ctx))
}

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.Scoped{Session: failingStore{}, Durable: failingStore{}}
	store := New(ctx, kv, Options{})

	require.NotPanics(t, func() {
		store.UpdateFlag(ctx, UseNewTracking, models.BoolFlag(true))
	})
	v, _ := store.GetFlag(UseNewTracking)
	require.True(t, v.Bool())
	require.NotEmpty(t, store.GetOrCreateSessionID(ctx))
}

func TestGetFlagFallsBackToDefault(t *testing.T) {
	store, _ := newStore(t, nil)
	v, ok := store.GetFlag(LegacyFallbackEnabled)
	require.True(t, ok)
	require.True(t, v.Bool())

	_, ok = store.GetFlag("unknownFlag")
	require.False(t, ok)
}
