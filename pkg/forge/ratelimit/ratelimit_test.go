package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowPerKey(t *testing.T) {
	l := New(0.001, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a@example.com"))
	assert.True(t, l.Allow("a@example.com"))
	assert.False(t, l.Allow("a@example.com"), "burst exhausted")
	assert.True(t, l.Allow("b@example.com"), "keys are independent")
}

func TestPrune(t *testing.T) {
	l := New(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Prune())
	assert.Len(t, l.entries, 1)
}
