package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepia/flows-auth/pkg/model"
)

func TestGet_MissReturnsFalse(t *testing.T) {
	t.Parallel()

	c := New()
	_, ok := c.Get("nobody@example.com")
	assert.False(t, ok)
}

func TestSetThenGet_ReturnsStoredResult(t *testing.T) {
	t.Parallel()

	c := New()
	want := model.DiscoveryResult{Exists: true, HasPasskey: true, UserID: "u1"}
	c.Set("Alice@Example.com", want)

	got, ok := c.Get("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	c := NewWithTTL(time.Minute)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Set("bob@example.com", model.DiscoveryResult{Exists: true})

	clock = clock.Add(61 * time.Second)
	_, ok := c.Get("bob@example.com")
	assert.False(t, ok)
}

func TestGet_StillValidJustBeforeTTL(t *testing.T) {
	t.Parallel()

	c := NewWithTTL(time.Minute)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Set("carol@example.com", model.DiscoveryResult{Exists: true})

	clock = clock.Add(59 * time.Second)
	_, ok := c.Get("carol@example.com")
	assert.True(t, ok)
}

func TestInvalidate_RemovesOnlyThatEmail(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("dave@example.com", model.DiscoveryResult{Exists: true})
	c.Set("erin@example.com", model.DiscoveryResult{Exists: true})

	c.Invalidate("dave@example.com")

	_, okDave := c.Get("dave@example.com")
	_, okErin := c.Get("erin@example.com")
	assert.False(t, okDave)
	assert.True(t, okErin)
}

func TestClearAll_RemovesEverything(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("frank@example.com", model.DiscoveryResult{Exists: true})
	c.Set("grace@example.com", model.DiscoveryResult{Exists: true})

	c.ClearAll()

	_, okFrank := c.Get("frank@example.com")
	_, okGrace := c.Get("grace@example.com")
	assert.False(t, okFrank)
	assert.False(t, okGrace)
}

func TestGet_NormalizesEmailCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("  Heidi@Example.com  ", model.DiscoveryResult{Exists: true})

	_, ok := c.Get("heidi@example.com")
	assert.True(t, ok)
}
