package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tourline/migration-guard/internal/flags"
	"github.com/tourline/migration-guard/internal/kvstore"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/tagmanager"
	"github.com/tourline/migration-guard/internal/utils"
)

func newSystemOff() models.FlagSet {
	set := models.FlagSet{flags.UseNewTracking: models.BoolFlag(false)}
	for _, name := range flags.NewSystemSubFlags {
		set[name] = models.BoolFlag(false)
	}
	return set
}

func rollbackFlags() models.FlagSet {
	set := newSystemOff()
	set[flags.EmergencyRollbackEnabled] = models.BoolFlag(true)
	set[flags.LegacyFallbackEnabled] = models.BoolFlag(true)
	return set
}

func (m *Manager) disableNewSystem(ctx context.Context) (map[string]any, error) {
	m.flags.UpdateFlags(ctx, newSystemOff())
	details := map[string]any{"flagsDisabled": true}

	rt := m.opts.Runtime
	if rt == nil {
		return details, nil
	}
	if err := rt.PauseContainer(ctx); err != nil {
		m.logger.Warn("pause tag manager container", slog.Any("error", err))
		details["containerPaused"] = false
	} else {
		details["containerPaused"] = true
	}
	if log, err := rt.EventLog(ctx); err == nil {
		removed, err := log.RemoveBySystem(ctx, string(models.SystemNew))
		if err != nil {
			m.logger.Warn("clear new system event log entries", slog.Any("error", err))
		}
		details["entriesRemoved"] = removed
	}
	return details, nil
}

func (m *Manager) restoreLegacy(ctx context.Context) (map[string]any, error) {
	const op = "rollback.restore_legacy_tracking"
	if m.opts.Runtime == nil {
		return nil, utils.NewAppError(op, utils.KindRuntimeUnavailable, "no tag manager runtime", tagmanager.ErrUnavailable)
	}

	m.mu.Lock()
	backup := m.backup
	m.mu.Unlock()

	source := "backup"
	var cfg tagmanager.LegacyConfig
	switch {
	case backup != nil:
		cfg = *backup
	case m.opts.FallbackConversionID != "":
		source = "fallback"
		cfg = tagmanager.LegacyConfig{ConversionID: m.opts.FallbackConversionID}
	default:
		return nil, utils.NewAppError(op, utils.KindRollbackStep, "no legacy backup and no fallback conversion id", nil)
	}

	details := map[string]any{"source": source, "conversionId": cfg.ConversionID}
	if err := m.opts.Runtime.InstallLegacy(ctx, cfg); err != nil {
		return details, utils.NewAppError(op, utils.KindRollbackStep, "install legacy tracking", err)
	}
	return details, nil
}

func (m *Manager) validateRestoration(ctx context.Context) (map[string]any, error) {
	const op = "rollback.validate_restoration"
	rt := m.opts.Runtime
	if rt == nil {
		return nil, utils.NewAppError(op, utils.KindRuntimeUnavailable, "no tag manager runtime", tagmanager.ErrUnavailable)
	}
	state, err := rt.Legacy(ctx)
	if err != nil {
		return nil, utils.NewAppError(op, utils.KindRuntimeUnavailable, "read legacy state", err)
	}
	if !state.Callable {
		return nil, utils.NewAppError(op, utils.KindValidation, "legacy tracking function not callable", nil)
	}

	log, err := rt.EventLog(ctx)
	if err != nil {
		return nil, utils.NewAppError(op, utils.KindRuntimeUnavailable, "event log unavailable", err)
	}
	probeID := uuid.New().String()
	if err := log.Push(ctx, tagmanager.Entry{"event": "rollback_validation", "probe_id": probeID, tagmanager.SystemKey: "rollback_probe"}); err != nil {
		return nil, utils.NewAppError(op, utils.KindValidation, "event log push failed", err)
	}
	entries, err := log.Entries(ctx)
	if err != nil {
		return nil, utils.NewAppError(op, utils.KindValidation, "event log unreadable", err)
	}
	if !tagmanager.FindEntry(entries, tagmanager.Entry{"probe_id": probeID}) {
		return nil, utils.NewAppError(op, utils.KindValidation, "event log not functional", nil)
	}
	if _, err := log.RemoveBySystem(ctx, "rollback_probe"); err != nil {
		m.logger.Warn("remove rollback probe", slog.Any("error", err))
	}
	return map[string]any{"legacyCallable": true, "eventLogFunctional": true}, nil
}

func (m *Manager) updateRollbackFlags(ctx context.Context) (map[string]any, error) {
	m.flags.UpdateFlags(ctx, rollbackFlags())
	if !m.flags.RollbackActive() {
		return nil, utils.NewAppError("rollback.update_rollback_flags", utils.KindRollbackStep, "rollback flag did not take effect", nil)
	}
	return map[string]any{"emergencyRollbackEnabled": true}, nil
}

// basicFallback writes the rollback flags straight into the persisted flag
// record and reloads the flag store shortly after.
func (m *Manager) basicFallback(ctx context.Context) (map[string]any, error) {
	const op = "rollback.basic_fallback"
	record := map[string]json.RawMessage{}
	raw, err := m.opts.Store.Get(ctx, flags.KeyFlags)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &record); jerr != nil {
			m.logger.Warn("discarding unreadable flag record", slog.Any("error", jerr))
			record = map[string]json.RawMessage{}
		}
	case !errors.Is(err, kvstore.ErrNotFound):
		m.logger.Warn("read flag record for fallback", slog.Any("error", err))
	}

	for name, value := range rollbackFlags() {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, utils.NewAppError(op, utils.KindPersistence, "encode flag "+name, err)
		}
		record[name] = encoded
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, utils.NewAppError(op, utils.KindPersistence, "encode flag record", err)
	}
	if err := m.opts.Store.Set(ctx, flags.KeyFlags, payload); err != nil {
		return nil, utils.NewAppError(op, utils.KindPersistence, "write flag record", err)
	}

	m.mu.Lock()
	if m.reload != nil {
		m.reload.Stop()
	}
	m.reload = m.opts.Scheduler.AfterFunc(m.opts.ReloadDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.flags.Reload(ctx)
		m.logger.Info("flag store reloaded after basic fallback")
	})
	m.mu.Unlock()

	return map[string]any{"key": flags.KeyFlags, "reloadScheduled": m.opts.ReloadDelay.String()}, nil
}
