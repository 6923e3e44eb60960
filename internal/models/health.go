package models

import "time"

// HealthStatus is the outcome of a check or of a whole cycle.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// Rank orders statuses from healthy (0) to critical (2).
func (s HealthStatus) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// CheckResult is the output of one health check.
type CheckResult struct {
	Status  HealthStatus       `json:"status"`
	Issues  []string           `json:"issues"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Alert is raised for every non-healthy check in a cycle.
type Alert struct {
	Type            string       `json:"type"`
	Severity        HealthStatus `json:"severity"`
	CheckName       string       `json:"checkName"`
	Message         string       `json:"message"`
	Timestamp       time.Time    `json:"timestamp"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

// HealthCheckResult is the snapshot of one monitoring cycle.
type HealthCheckResult struct {
	Timestamp     time.Time              `json:"timestamp"`
	Checks        map[string]CheckResult `json:"checks"`
	OverallHealth HealthStatus           `json:"overallHealth"`
	Alerts        []Alert                `json:"alerts"`
}

// AggregateHealth returns critical if any check is critical, else warning if any
// is warning, else healthy.
func AggregateHealth(checks map[string]CheckResult) HealthStatus {
	overall := StatusHealthy
	for _, c := range checks {
		if c.Status.Rank() > overall.Rank() {
			overall = c.Status
		}
	}
	return overall
}
