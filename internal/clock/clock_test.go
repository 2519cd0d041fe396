package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemUsesConfiguredZone(t *testing.T) {
	c, err := NewSystem("UTC")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, c.Now().Location())

	empty, err := NewSystem("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, empty.Location())
}

func TestSystemRejectsUnknownZone(t *testing.T) {
	_, err := NewSystem("Mars/Olympus_Mons")
	require.Error(t, err)
}

func TestFakeAdvance(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := NewFake(t0)
	f.Advance(90 * time.Second)
	assert.Equal(t, t0.Add(90*time.Second), f.Now())

	f.Set(t0)
	assert.True(t, f.Now().Equal(t0))
}
