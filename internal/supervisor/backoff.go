package supervisor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/runr/internal/model"
)

// BackoffConfig configures retry delays between phase/milestone attempts
// (spec.md §4.F retry rules).
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	// Spec defaults: 200ms initial, factor 2.0, 60s cap. Jitter defaults
	// off for determinism; enabled via retry.backoff.jitter=true.
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// BackoffConfigFor resolves a BackoffConfig from two layers of string
// attributes: phase-level overrides win over run-level (config-file)
// settings, which win over the defaults above. Both maps may be nil.
func BackoffConfigFor(runAttrs, phaseAttrs map[string]string) BackoffConfig {
	cfg := defaultBackoffConfig()
	get := func(key string) string {
		if phaseAttrs != nil {
			if v, ok := phaseAttrs[key]; ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		if runAttrs != nil {
			if v, ok := runAttrs[key]; ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	}

	if v := strings.TrimSpace(get("retry.backoff.initial_delay_ms")); v != "" {
		cfg.InitialDelayMS = parseInt(v, cfg.InitialDelayMS)
	}
	if v := strings.TrimSpace(get("retry.backoff.backoff_factor")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := strings.TrimSpace(get("retry.backoff.max_delay_ms")); v != "" {
		cfg.MaxDelayMS = parseInt(v, cfg.MaxDelayMS)
	}
	if v := strings.TrimSpace(get("retry.backoff.jitter")); v != "" {
		cfg.Jitter = parseBool(v, cfg.Jitter)
	}

	if cfg.InitialDelayMS < 0 {
		cfg.InitialDelayMS = 0
	}
	if cfg.MaxDelayMS < 0 {
		cfg.MaxDelayMS = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.0
	}
	return cfg
}

// DelayForAttempt computes the delay before the given retry attempt
// (1-indexed: the first retry is attempt=1).
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit derives a deterministic value in [0,1] from a seed string, so
// retry delays are reproducible given the same run id / phase / attempt.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	if max <= 0 {
		return 0
	}
	return float64(u) / max
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// DelayForPhaseAttempt seeds the jitter off the run id and phase name so
// concurrent milestones/phases within the same run don't all jitter
// identically.
func DelayForPhaseAttempt(runID string, phase model.Phase, attempt int, runAttrs, phaseAttrs map[string]string) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(runID), phase, attempt)
	return DelayForAttempt(attempt, BackoffConfigFor(runAttrs, phaseAttrs), seed)
}
