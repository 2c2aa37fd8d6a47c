package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, base},
		{0, base},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, capDur},
		{50, capDur},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExponentialBackoff(tc.attempt, base, capDur), "attempt %d", tc.attempt)
	}
	assert.Equal(t, base, ExponentialBackoff(3, base, time.Millisecond), "limit below base")
	assert.Zero(t, ExponentialBackoff(3, 0, time.Second))
}

func TestStreak(t *testing.T) {
	var s Streak
	assert.Equal(t, 1, s.Fail("a"))
	assert.Equal(t, 2, s.Fail("a"))
	assert.Equal(t, 1, s.Fail("b"), "keys are independent")
	s.Reset("a")
	assert.Equal(t, 1, s.Fail("a"), "reset restarts the streak")
}
