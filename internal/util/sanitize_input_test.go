package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"08123456789":        "08123456789",
		" 0812-3456 789 ":    "08123456789",
		"+62 (812) 3456.789": "+628123456789",
		"62+812":             "62812",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<b>Dina</b>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.True(t, ContainsSuspicious("x onError=1"))
	assert.False(t, ContainsSuspicious("Dina Maharani"))
}

func TestMasking(t *testing.T) {
	assert.Equal(t, "********789", MaskPhone("08123456789"))
	assert.Equal(t, "***", MaskPhone("12"))
	assert.Equal(t, "d***@fintrack.test", MaskEmail("dina@fintrack.test"))
	assert.Equal(t, "***", MaskEmail("@nobody"))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_WINDOW", "2m")
	assert.Equal(t, 2*time.Minute, GetEnvDuration("TEST_WINDOW", time.Second))

	t.Setenv("TEST_WINDOW", "45")
	assert.Equal(t, 45*time.Second, GetEnvDuration("TEST_WINDOW", time.Second))

	t.Setenv("TEST_WINDOW", "soon")
	assert.Equal(t, time.Second, GetEnvDuration("TEST_WINDOW", time.Second))
}
