package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/config"
)

// fakeClock drives the breaker's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedBreaker(p config.BreakerPolicy) (*Breaker, *fakeClock) {
	b := New("test-adapter", p)
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clk.now
	b.stateEntered = clk.t
	return b, clk
}

func TestStartsClosed(t *testing.T) {
	t.Parallel()
	b := New("a", config.BreakerPolicy{})
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.IsOpen())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	t.Parallel()
	b, _ := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestRecoveryWindowAdmitsProbe(t *testing.T) {
	t.Parallel()
	b, clk := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 1, RecoveryTimeout: 60 * time.Second})

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	clk.advance(59 * time.Second)
	assert.True(t, b.IsOpen())

	clk.advance(2 * time.Second)
	// The check itself flips to half-open and admits the trial call.
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessRun(t *testing.T) {
	t.Parallel()
	b, clk := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Second})

	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.False(t, b.IsOpen())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	t.Parallel()
	b, clk := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 1, RecoveryTimeout: time.Second})

	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.False(t, b.IsOpen())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	// The recovery window restarts from the reopen.
	assert.True(t, b.IsOpen())
}

func TestTimeoutCountsSeparatelyButTrips(t *testing.T) {
	t.Parallel()
	b, _ := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 2})

	b.RecordTimeout()
	b.RecordTimeout()
	assert.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	assert.Equal(t, uint64(2), snap.TimeoutCalls)
	assert.Equal(t, uint64(2), snap.FailedCalls)
}

func TestForceOpenAndReset(t *testing.T) {
	t.Parallel()
	b, _ := newClockedBreaker(config.BreakerPolicy{})

	b.ForceOpen()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestSnapshotRetryAfter(t *testing.T) {
	t.Parallel()
	b, clk := newClockedBreaker(config.BreakerPolicy{FailureThreshold: 1, RecoveryTimeout: 60 * time.Second})

	b.RecordFailure()
	clk.advance(20 * time.Second)
	snap := b.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.InDelta(t, 40, snap.RetryAfterSecond, 0.1)
}

func TestManagerGetReturnsSameInstance(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	a := m.Get("docs")
	b := m.Get("docs")
	assert.Same(t, a, b)
	assert.NotSame(t, a, m.Get("faq"))
}

func TestManagerPolicyOverrides(t *testing.T) {
	t.Parallel()
	m := NewManager(func(adapter string) config.BreakerPolicy {
		if adapter == "flaky" {
			return config.BreakerPolicy{FailureThreshold: 1}
		}
		return config.BreakerPolicy{}
	})

	flaky := m.Get("flaky")
	flaky.RecordFailure()
	assert.Equal(t, StateOpen, flaky.State())

	steady := m.Get("steady")
	steady.RecordFailure()
	assert.Equal(t, StateClosed, steady.State())
}

func TestManagerResetAndSnapshots(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	assert.False(t, m.Reset("ghost"))

	m.Get("beta").ForceOpen()
	m.Get("alpha")

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Adapter)
	assert.Equal(t, "beta", snaps[1].Adapter)
	assert.Equal(t, "open", snaps[1].State)

	assert.True(t, m.Reset("beta"))
	assert.Equal(t, StateClosed, m.Get("beta").State())
}
