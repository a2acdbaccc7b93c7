package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"zapflow/pkg/config"
)

func defaultBackoff() config.ResilienceConfig {
	return config.ResilienceConfig{
		BaseDelay:   config.Duration(5 * time.Second),
		Multiplier:  1.5,
		MaxDelay:    config.Duration(60 * time.Second),
		MaxAttempts: 10,
	}
}

func TestDelaySequence(t *testing.T) {
	cfg := defaultBackoff()

	assert.Equal(t, 5*time.Second, Delay(cfg, 1))
	assert.Equal(t, 7500*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, 11250*time.Millisecond, Delay(cfg, 3))
}

func TestDelayMonotoneAndCapped(t *testing.T) {
	cfg := defaultBackoff()

	prev := time.Duration(0)
	for n := 1; n <= cfg.MaxAttempts; n++ {
		d := Delay(cfg, n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, 60*time.Second, "attempt %d", n)
		prev = d
	}
	// Deep into the sequence the cap holds exactly.
	assert.Equal(t, 60*time.Second, Delay(cfg, 10))
}

func TestDelayClampsAttempt(t *testing.T) {
	cfg := defaultBackoff()
	assert.Equal(t, Delay(cfg, 1), Delay(cfg, 0))
	assert.Equal(t, Delay(cfg, 1), Delay(cfg, -3))
}
