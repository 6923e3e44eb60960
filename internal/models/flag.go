package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlagValue holds either a boolean or a numeric flag value.
type FlagValue struct {
	numeric bool
	b       bool
	n       float64
}

// BoolFlag wraps a boolean flag value.
func BoolFlag(b bool) FlagValue { return FlagValue{b: b} }

// NumberFlag wraps a numeric flag value.
func NumberFlag(n float64) FlagValue { return FlagValue{numeric: true, n: n} }

// IsNumber reports whether the value is numeric.
func (v FlagValue) IsNumber() bool { return v.numeric }

// Bool returns the boolean reading of the value; numbers are true when non-zero.
func (v FlagValue) Bool() bool {
	if v.numeric {
		return v.n != 0
	}
	return v.b
}

// Number returns the numeric reading of the value; booleans read as 1 or 0.
func (v FlagValue) Number() float64 {
	if v.numeric {
		return v.n
	}
	if v.b {
		return 1
	}
	return 0
}

// Equal reports whether two values have the same kind and content.
func (v FlagValue) Equal(other FlagValue) bool {
	return v.numeric == other.numeric && v.b == other.b && v.n == other.n
}

func (v FlagValue) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	}
	return strconv.FormatBool(v.b)
}

// MarshalJSON encodes the value as a JSON boolean or number.
func (v FlagValue) MarshalJSON() ([]byte, error) {
	if v.numeric {
		return json.Marshal(v.n)
	}
	return json.Marshal(v.b)
}

// UnmarshalJSON accepts a JSON boolean or number.
func (v *FlagValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case bool:
		*v = BoolFlag(typed)
	case float64:
		*v = NumberFlag(typed)
	default:
		return fmt.Errorf("flag value must be boolean or number, got %s", string(data))
	}
	return nil
}

// FlagSet maps flag names to values.
type FlagSet map[string]FlagValue

// Clone returns an independent copy.
func (s FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MigrationPhase is the derived rollout state of the migration.
type MigrationPhase string

const (
	PhaseNormal         MigrationPhase = "normal"
	PhasePartialRollout MigrationPhase = "partial_rollout"
	PhaseFullRollout    MigrationPhase = "full_rollout"
	PhaseRollback       MigrationPhase = "rollback"
)
