package resilience

import (
	"math"
	"time"

	"zapflow/pkg/config"
)

// Delay computes the reconnect delay for attempt n (1-based):
// min(base · multiplier^(n-1), cap). The sequence is non-decreasing and
// bounded by the cap.
func Delay(cfg config.ResilienceConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(cfg.BaseDelay.Std())
	delay := base * math.Pow(cfg.Multiplier, float64(n-1))
	if max := float64(cfg.MaxDelay.Std()); delay > max {
		delay = max
	}
	return time.Duration(delay)
}
