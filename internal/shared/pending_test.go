package shared

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingZeroValue(t *testing.T) {
	var p Pending
	assert.Equal(t, 0, p.Len())
	require.NoError(t, p.Wait(context.Background()))
}

func TestPendingWaitsForDone(t *testing.T) {
	var p Pending
	p.Add()
	p.Add()
	assert.Equal(t, 2, p.Len())

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()

	p.Done()
	select {
	case <-done:
		t.Fatal("Wait returned with work outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	p.Done()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestPendingWaitHonoursContext(t *testing.T) {
	var p Pending
	p.Add()
	defer p.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestPendingReusable(t *testing.T) {
	var p Pending
	for i := 0; i < 3; i++ {
		p.Add()
		p.Done()
		require.NoError(t, p.Wait(context.Background()))
	}
}

func TestPendingDoneWithoutAddPanics(t *testing.T) {
	var p Pending
	assert.Panics(t, p.Done)
}
