package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_HealthyUntilThresholdTripped(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 3, Cooldown: 50 * time.Millisecond})
	assert.Equal(t, HealthHealthy, b.Health())

	for i := 0; i < 4; i++ {
		_, allowed, err := b.Execute(func() (int, error) { return 0, errors.New("boom") })
		require.True(t, allowed)
		require.Error(t, err)
	}

	assert.Equal(t, HealthUnhealthy, b.Health())
}

func TestBreaker_OpenRejectsWithoutCallingFn(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 1, Cooldown: time.Hour})
	for i := 0; i < 2; i++ {
		_, allowed, err := b.Execute(func() (int, error) { return 0, errors.New("boom") })
		require.True(t, allowed)
		require.Error(t, err)
	}
	require.Equal(t, HealthUnhealthy, b.Health())

	called := false
	_, allowed, err := b.Execute(func() (int, error) { called = true; return 1, nil })
	assert.False(t, allowed)
	assert.Error(t, err)
	assert.False(t, called, "fn must not run while the circuit is open")
}

func TestBreaker_RecoversToHealthyAfterCooldownAndSuccess(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	for i := 0; i < 2; i++ {
		_, _, err := b.Execute(func() (int, error) { return 0, errors.New("boom") })
		require.Error(t, err)
	}
	require.Equal(t, HealthUnhealthy, b.Health())

	require.Eventually(t, func() bool {
		n, allowed, err := b.Execute(func() (int, error) { return 1, nil })
		return allowed && err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, HealthHealthy, b.Health())
}

func TestBreaker_SuccessDoesNotTripCircuit(t *testing.T) {
	b := New(Config{ConsecutiveFailureThreshold: 2, Cooldown: time.Second})
	for i := 0; i < 10; i++ {
		n, allowed, err := b.Execute(func() (int, error) { return 1, nil })
		require.True(t, allowed)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	assert.Equal(t, HealthHealthy, b.Health())
}
