package service

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type checkerFunc func(ctx context.Context) bool

func (f checkerFunc) CheckConnection(ctx context.Context) bool { return f(ctx) }

func TestConnectivityTrackerCheck(t *testing.T) {
	var up atomic.Bool
	tracker := NewConnectivityTracker(checkerFunc(func(context.Context) bool { return up.Load() }), "", testLogger(t))
	require.False(t, tracker.Available())

	up.Store(true)
	require.True(t, tracker.Check(context.Background()))
	require.True(t, tracker.Available())

	up.Store(false)
	require.False(t, tracker.Check(context.Background()))
	require.False(t, tracker.Available())

	tracker.Set(true)
	require.True(t, tracker.Available())
}

func TestConnectivityTrackerStartChecksImmediately(t *testing.T) {
	var calls atomic.Int32
	tracker := NewConnectivityTracker(checkerFunc(func(context.Context) bool {
		calls.Add(1)
		return true
	}), "@every 1h", testLogger(t))

	require.NoError(t, tracker.Start())
	defer tracker.Stop()

	require.True(t, tracker.Available())
	require.EqualValues(t, 1, calls.Load())
	require.NoError(t, tracker.Start(), "second start is a no-op")
}

func TestConnectivityTrackerRejectsBadSchedule(t *testing.T) {
	tracker := NewConnectivityTracker(checkerFunc(func(context.Context) bool { return true }), "every now and then", testLogger(t))
	require.Error(t, tracker.Start())
}
