package models

import "time"

// TrackingSystem identifies which conversion path fired.
type TrackingSystem string

const (
	SystemLegacy TrackingSystem = "legacy"
	SystemNew    TrackingSystem = "new"
)

// ConversionData is the payload reported by a tracking path.
type ConversionData struct {
	EventName     string    `json:"eventName"`
	Value         float64   `json:"value"`
	Currency      string    `json:"currency"`
	TransactionID string    `json:"transactionId"`
	Success       *bool     `json:"success,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// TrackingAttempt is one recorded conversion-tracking try.
type TrackingAttempt struct {
	System           TrackingSystem `json:"system"`
	Timestamp        time.Time      `json:"timestamp"`
	TrackingKey      string         `json:"trackingKey"`
	Payload          ConversionData `json:"payload"`
	Success          bool           `json:"success"`
	ValidationReason string         `json:"validationReason,omitempty"`
	Validated        bool           `json:"validated"`
}

// Severity grades a discrepancy or comparison.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities from none (0) to high (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// DiscrepancyType names a kind of disagreement between the two paths.
type DiscrepancyType string

const (
	DiscrepancySuccess  DiscrepancyType = "success_mismatch"
	DiscrepancyValue    DiscrepancyType = "value_mismatch"
	DiscrepancyCurrency DiscrepancyType = "currency_mismatch"
	DiscrepancyTiming   DiscrepancyType = "timing_difference"
)

// Discrepancy records one disagreement.
type Discrepancy struct {
	Type     DiscrepancyType `json:"type"`
	Severity Severity        `json:"severity"`
	Legacy   any             `json:"legacy,omitempty"`
	New      any             `json:"new,omitempty"`
}

// AttemptSnapshot freezes the compared fields of one attempt.
type AttemptSnapshot struct {
	Success   bool      `json:"success"`
	Value     float64   `json:"value"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

// ComparisonResult is produced once per matched legacy/new pair and never mutated.
type ComparisonResult struct {
	TrackingKey   string          `json:"trackingKey"`
	EventName     string          `json:"eventName"`
	Timestamp     time.Time       `json:"timestamp"`
	Legacy        AttemptSnapshot `json:"legacy"`
	New           AttemptSnapshot `json:"new"`
	TimeDeltaMs   int64           `json:"timeDeltaMs"`
	Discrepancies []Discrepancy   `json:"discrepancies"`
	Severity      Severity        `json:"severity"`
}

// ValidationSummary aggregates comparisons over a trailing window.
type ValidationSummary struct {
	WindowMs              int64                  `json:"windowMs"`
	TotalComparisons      int                    `json:"totalComparisons"`
	SuccessfulComparisons int                    `json:"successfulComparisons"`
	DiscrepancyRate       string                 `json:"discrepancyRate"`
	DiscrepancyPercent    float64                `json:"-"`
	BySeverity            map[Severity]int       `json:"bySeverity"`
	TopDiscrepancies      []DiscrepancyFrequency `json:"topDiscrepancies"`
}

// DiscrepancyFrequency counts occurrences of a discrepancy type.
type DiscrepancyFrequency struct {
	Type  DiscrepancyType `json:"type"`
	Count int             `json:"count"`
}
