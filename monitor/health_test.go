package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyChecker(name string) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
}

func TestRegistryCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("all healthy", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthyChecker("a"))
		r.Register(healthyChecker("b"))

		health := r.Check(ctx)
		assert.Equal(t, StatusHealthy, health.Status)
		assert.True(t, health.Healthy())
		assert.Len(t, health.Checks, 2)
		assert.Empty(t, health.Failing())
	})

	t.Run("degraded does not hide unhealthy", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthyChecker("ok"))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusDegraded, Message: "queue backing up"}
		}))
		r.Register(NewCheckerFunc("down", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusUnhealthy, Error: "connection refused"}
		}))

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.ElementsMatch(t, []string{"slow", "down"}, health.Failing())
	})

	t.Run("a panicking checker is reported unhealthy", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(NewCheckerFunc("boom", func(ctx context.Context) CheckResult {
			panic("nil pointer")
		}))
		r.Register(healthyChecker("ok"))

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		require.Contains(t, health.Checks, "boom")
		assert.Equal(t, "checker panicked", health.Checks["boom"].Error)
	})

	t.Run("result metadata is filled in", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthyChecker("a"))

		health := r.Check(ctx)
		check := health.Checks["a"]
		assert.Equal(t, "a", check.Name)
		assert.False(t, check.Timestamp.IsZero())
	})

	t.Run("unregister removes the checker", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthyChecker("a"))
		r.Unregister("a")

		assert.Empty(t, r.Check(ctx).Checks)
	})

	t.Run("each check runs under its own timeout", func(t *testing.T) {
		r := NewRegistry(20 * time.Millisecond)
		r.Register(NewCheckerFunc("hung", func(ctx context.Context) CheckResult {
			select {
			case <-ctx.Done():
				return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
			case <-time.After(5 * time.Second):
				return CheckResult{Status: StatusHealthy}
			}
		}))

		done := make(chan OverallHealth, 1)
		go func() { done <- r.Check(ctx) }()

		select {
		case health := <-done:
			assert.Equal(t, StatusUnhealthy, health.Status)
		case <-time.After(time.Second):
			t.Fatal("registry check did not respect the per-check timeout")
		}
	})
}
