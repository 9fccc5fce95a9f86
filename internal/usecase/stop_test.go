package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopRegistryLifecycle(t *testing.T) {
	t.Parallel()
	r := NewStopRegistry()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	rel1 := r.Register("sess", cancel1)
	rel2 := r.Register("sess", cancel2)
	assert.Equal(t, 2, r.Active("sess"))

	require.True(t, r.Stop("sess"))
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.ErrorIs(t, ctx2.Err(), context.Canceled)

	// Stop cancels but does not unregister; the owners release on exit.
	assert.Equal(t, 2, r.Active("sess"))
	rel1()
	rel2()
	assert.Equal(t, 0, r.Active("sess"))
	assert.False(t, r.Stop("sess"))
}

func TestStopRegistryUnknownSession(t *testing.T) {
	t.Parallel()
	r := NewStopRegistry()
	assert.False(t, r.Stop("nope"))
	assert.Equal(t, 0, r.Active("nope"))
}

func TestStopRegistryReleaseIdempotent(t *testing.T) {
	t.Parallel()
	r := NewStopRegistry()

	_, cancel1 := context.WithCancel(context.Background())
	_, cancel2 := context.WithCancel(context.Background())
	rel1 := r.Register("sess", cancel1)
	r.Register("sess", cancel2)

	rel1()
	rel1()
	assert.Equal(t, 1, r.Active("sess"))
}

func TestStopRegistryEmptySessionIsNoop(t *testing.T) {
	t.Parallel()
	r := NewStopRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	rel := r.Register("", cancel)
	assert.Equal(t, 0, r.Active(""))
	assert.False(t, r.Stop(""))
	assert.NoError(t, ctx.Err())
	rel()
	rel()
}

func TestStopRegistryConcurrentUse(t *testing.T) {
	t.Parallel()
	r := NewStopRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			rel := r.Register("sess", cancel)
			rel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Active("sess"))
}
