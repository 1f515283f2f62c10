package httpbackend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_normalize(t *testing.T) {
	assert.Equal(t, DefaultRetryPolicy, RetryPolicy{}.normalize())

	p := RetryPolicy{MaxRetries: -1, Jitter: -1}.normalize()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, 0.0, p.Jitter)
}

func TestBackoff_forAttempt(t *testing.T) {
	exact := newBackoff(RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: -1}.normalize())

	assert.Equal(t, 100*time.Millisecond, exact.forAttempt(0))
	assert.Equal(t, 200*time.Millisecond, exact.forAttempt(1))
	assert.Equal(t, 400*time.Millisecond, exact.forAttempt(2))
	assert.Equal(t, time.Second, exact.forAttempt(10))

	jittered := newBackoff(RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.normalize())

	seen := map[time.Duration]bool{}

	for i := 0; i < 50; i++ {
		d := jittered.forAttempt(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)

		seen[d] = true
	}

	assert.Greater(t, len(seen), 1)
}
