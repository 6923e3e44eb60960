package validator

import (
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tourline/migration-guard/internal/models"
)

const valueEpsilon = 0.005

// TrackingKey correlates the legacy and new attempts of one conversion. The
// timestamp is excluded so attempts fired apart still match.
func TrackingKey(transactionID, eventName string) string {
	var buf [8]byte
	sum := xxhash.Sum64String(transactionID + "|" + eventName)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// CompareAttempts classifies the disagreement between two attempts of the same conversion.
func CompareAttempts(key string, legacy, fresh models.TrackingAttempt, now time.Time, timingThreshold time.Duration) models.ComparisonResult {
	result := models.ComparisonResult{
		TrackingKey: key,
		EventName:   legacy.Payload.EventName,
		Timestamp:   now,
		Legacy:      snapshot(legacy),
		New:         snapshot(fresh),
		Severity:    models.SeverityNone,
	}

	delta := fresh.Timestamp.Sub(legacy.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	result.TimeDeltaMs = delta.Milliseconds()

	add := func(d models.Discrepancy) {
		result.Discrepancies = append(result.Discrepancies, d)
		if d.Severity.Rank() > result.Severity.Rank() {
			result.Severity = d.Severity
		}
	}

	if legacy.Success != fresh.Success {
		add(models.Discrepancy{Type: models.DiscrepancySuccess, Severity: models.SeverityHigh, Legacy: legacy.Success, New: fresh.Success})
	}
	if math.Abs(legacy.Payload.Value-fresh.Payload.Value) > valueEpsilon {
		add(models.Discrepancy{Type: models.DiscrepancyValue, Severity: models.SeverityMedium, Legacy: legacy.Payload.Value, New: fresh.Payload.Value})
	}
	if !strings.EqualFold(strings.TrimSpace(legacy.Payload.Currency), strings.TrimSpace(fresh.Payload.Currency)) {
		add(models.Discrepancy{Type: models.DiscrepancyCurrency, Severity: models.SeverityLow, Legacy: legacy.Payload.Currency, New: fresh.Payload.Currency})
	}
	if delta > timingThreshold {
		add(models.Discrepancy{Type: models.DiscrepancyTiming, Severity: models.SeverityLow, Legacy: legacy.Timestamp, New: fresh.Timestamp})
	}
	if result.Discrepancies == nil {
		result.Discrepancies = []models.Discrepancy{}
	}
	return result
}

func snapshot(a models.TrackingAttempt) models.AttemptSnapshot {
	return models.AttemptSnapshot{
		Success:   a.Success,
		Value:     a.Payload.Value,
		Currency:  a.Payload.Currency,
		Timestamp: a.Timestamp,
	}
}
