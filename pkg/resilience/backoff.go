package resilience

import (
	"math"
	"time"
)

// BackoffConfig shapes the retry schedule.
type BackoffConfig struct {
	Initial    time.Duration // delay before the second attempt
	Multiplier float64       // growth per attempt
	Max        time.Duration // per-delay ceiling
	Budget     time.Duration // hard ceiling on attempts + delays combined
}

// DefaultBackoff returns the production schedule: 1s, 2s, capped at 10s,
// with a 60s total budget.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Multiplier: 2.0,
		Max:        10 * time.Second,
		Budget:     60 * time.Second,
	}
}

// NextDelay returns the backoff delay after attempt N (1-based), before the
// per-delay ceiling is applied to any widening.
func NextDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt < 1 || cfg.Initial <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.Initial) * math.Pow(mult, float64(attempt-1))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}
