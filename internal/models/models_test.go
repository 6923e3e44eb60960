package models

import (
	"encoding/json"
	"testing"
)

func TestFlagValueDecodesBooleansAndNumbers(t *testing.T) {
	var set FlagSet
	if err := json.Unmarshal([]byte(`{"useNewTracking":true,"rolloutPercentage":25}`), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v := set["useNewTracking"]; v.IsNumber() || !v.Bool() {
		t.Fatalf("expected boolean true, got %v", v)
	}
	if v := set["rolloutPercentage"]; !v.IsNumber() || v.Number() != 25 {
		t.Fatalf("expected number 25, got %v", v)
	}

	var bad FlagSet
	if err := json.Unmarshal([]byte(`{"x":"yes"}`), &bad); err == nil {
		t.Fatalf("expected string flag value to be rejected")
	}
}

func TestAggregateHealth(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]CheckResult
		want   HealthStatus
	}{
		{"critical wins", map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusWarning}, "c": {Status: StatusCritical}}, StatusCritical},
		{"warning", map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusWarning}}, StatusWarning},
		{"healthy", map[string]CheckResult{"a": {Status: StatusHealthy}}, StatusHealthy},
		{"empty", map[string]CheckResult{}, StatusHealthy},
	}
	for _, tc := range cases {
		if got := AggregateHealth(tc.checks); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityHigh.Rank() > SeverityMedium.Rank() && SeverityMedium.Rank() > SeverityLow.Rank() && SeverityLow.Rank() > SeverityNone.Rank()) {
		t.Fatalf("severity ranks out of order")
	}
}
