package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("verify: %w", New(KindExpired, "challenge 42"))

	assert.True(t, errors.Is(err, ErrExpired))
	assert.False(t, errors.Is(err, ErrCodeMismatch))
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRateLimitedCarriesRetryAt(t *testing.T) {
	at := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	err := fmt.Errorf("send: %w", RateLimited(at, "cooldown"))

	require.True(t, errors.Is(err, ErrRateLimited))
	got, ok := RetryAt(err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
	assert.Contains(t, err.Error(), "2024-05-02T08:00:00Z")

	_, ok = RetryAt(New(KindConflict, ""))
	assert.False(t, ok)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("smtp timeout")
	err := Wrap(KindNotificationFailed, cause, "email")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrNotificationFailed))
	assert.Equal(t, "notification_failed: email: smtp timeout", err.Error())
}
