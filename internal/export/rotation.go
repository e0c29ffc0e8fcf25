package export

import (
	"fmt"
	"strings"
	"time"
)

// Ensure implementation satisfies interface at compile time.
var _ RotationPolicy = (*CompositePolicy)(nil)

// PartStats describes the output part being written.
type PartStats struct {
	SizeBytes      int64
	RecordCount    int
	FirstWriteTime time.Time
}

// RotationPolicy decides when the current part is complete.
type RotationPolicy interface {
	// ShouldRotate reports whether the part is complete and names the limit
	// that was reached.
	ShouldRotate(stats PartStats) (reason string, rotate bool)
}

// Rotation reasons, used as metric labels.
const (
	ReasonSize  = "size"
	ReasonCount = "count"
	ReasonAge   = "age"
)

// Strategy combines the configured limits.
type Strategy string

const (
	// StrategyAny rotates when any configured limit is reached.
	StrategyAny Strategy = "any"
	// StrategyAll rotates when every configured limit is reached.
	StrategyAll Strategy = "all"
)

// ParseStrategy converts a configuration name into a Strategy. An empty name
// selects StrategyAny.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case "":
		return StrategyAny, nil
	case StrategyAny, StrategyAll:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported rotation strategy: %s", name)
	}
}

// PolicyConfig configures rotation behavior. Zero disables a limit.
type PolicyConfig struct {
	MaxFileSizeMB      int64
	MaxRecordsPerFile  int
	MaxDurationSeconds int
	Strategy           Strategy
}

// CompositePolicy rotates based on size, record count and part age.
type CompositePolicy struct {
	maxSizeBytes int64
	maxRecords   int
	maxDuration  time.Duration
	strategy     Strategy
	now          func() time.Time
}

// NewCompositePolicy creates a new composite rotation policy. A policy with
// no limit never rotates.
func NewCompositePolicy(config PolicyConfig) *CompositePolicy {
	strategy := config.Strategy
	if strategy == "" {
		strategy = StrategyAny
	}
	return &CompositePolicy{
		maxSizeBytes: config.MaxFileSizeMB * 1024 * 1024,
		maxRecords:   config.MaxRecordsPerFile,
		maxDuration:  time.Duration(config.MaxDurationSeconds) * time.Second,
		strategy:     strategy,
		now:          time.Now,
	}
}

// ShouldRotate returns true once the limits selected by the strategy are met.
// The reason names the first limit that is met.
func (p *CompositePolicy) ShouldRotate(stats PartStats) (string, bool) {
	var reached []string
	limits := 0

	if p.maxSizeBytes > 0 {
		limits++
		if stats.SizeBytes >= p.maxSizeBytes {
			reached = append(reached, ReasonSize)
		}
	}

	if p.maxRecords > 0 {
		limits++
		if stats.RecordCount >= p.maxRecords {
			reached = append(reached, ReasonCount)
		}
	}

	if p.maxDuration > 0 {
		limits++
		if !stats.FirstWriteTime.IsZero() && p.now().Sub(stats.FirstWriteTime) >= p.maxDuration {
			reached = append(reached, ReasonAge)
		}
	}

	if len(reached) == 0 {
		return "", false
	}
	if p.strategy == StrategyAll && len(reached) < limits {
		return "", false
	}
	return reached[0], true
}

// Deadline returns when the part started at stats.FirstWriteTime becomes
// due by age alone. It reports false when age cannot trigger rotation on its
// own.
func (p *CompositePolicy) Deadline(stats PartStats) (time.Time, bool) {
	if p.maxDuration <= 0 || stats.FirstWriteTime.IsZero() {
		return time.Time{}, false
	}
	if p.strategy == StrategyAll && (p.maxSizeBytes > 0 || p.maxRecords > 0) {
		return time.Time{}, false
	}
	return stats.FirstWriteTime.Add(p.maxDuration), true
}
