package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveDrainsBucket(t *testing.T) {
	l := New(2)

	// The bucket starts full with burst == rate.
	require.NoError(t, l.Reserve())
	require.NoError(t, l.Reserve())
	assert.ErrorIs(t, l.Reserve(), ErrRateLimit)
}

func TestReserveRefills(t *testing.T) {
	l := New(100)
	for {
		if err := l.Reserve(); err != nil {
			break
		}
	}

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, l.Reserve(), "tokens accrue over time")
}

func TestWaitBlocksUntilToken(t *testing.T) {
	l := New(50)
	for {
		if err := l.Reserve(); err != nil {
			break
		}
	}

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.Greater(t, time.Since(start), time.Duration(0))
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(0.001)
	for {
		if err := l.Reserve(); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestTokensReporting(t *testing.T) {
	l := New(10)
	assert.InDelta(t, 10, l.Tokens(), 0.5)
	require.NoError(t, l.Reserve())
	assert.Less(t, l.Tokens(), 10.0)
}
