package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsFresh_Boundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"just verified", 0, true},
		{"boundary minus one second", StepUpMaxAge - time.Second, true},
		{"exactly at boundary", StepUpMaxAge, true},
		{"boundary plus one second", StepUpMaxAge + time.Second, false},
		{"long ago", time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := &Claims{MFAAt: now.Add(-tc.age).Unix()}
			assert.Equal(t, tc.want, IsFresh(claims, now, StepUpMaxAge))
		})
	}
}

func TestIsFresh_FailsClosed(t *testing.T) {
	now := time.Now()
	assert.False(t, IsFresh(nil, now, StepUpMaxAge))
	assert.False(t, IsFresh(&Claims{}, now, StepUpMaxAge), "absent mfa_at is never fresh")
}

func TestIsFresh_SlidesWithLastFactor(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	claims := &Claims{MFAAt: base.Unix()}
	assert.False(t, IsFresh(claims, base.Add(10*time.Minute), StepUpMaxAge))

	// A new factor check moves the window, not session age.
	claims.MFAAt = base.Add(9 * time.Minute).Unix()
	assert.True(t, IsFresh(claims, base.Add(10*time.Minute), StepUpMaxAge))
}
