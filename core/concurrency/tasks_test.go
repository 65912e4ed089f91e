package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTaskSetRunsAndDrains(t *testing.T) {
	ts := NewTaskSet(time.Second, nil)

	var ran atomic.Int32
	for range 5 {
		_, err := ts.Go("count", 0, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, ts.Shutdown(time.Second, 2*time.Second))
	assert.EqualValues(t, 5, ran.Load())
	assert.Zero(t, ts.Len())
}

func TestTaskSetCollectsFailuresAndPanics(t *testing.T) {
	ts := NewTaskSet(time.Second, nil)
	boom := errors.New("index write failed")

	_, err := ts.Go("failing", 0, func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	_, err = ts.Go("panicking", 0, func(ctx context.Context) error { panic("unexpected nil store") })
	require.NoError(t, err)
	_, err = ts.Go("fine", 0, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	err = ts.Shutdown(time.Second, 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "panic: unexpected nil store")
}

func TestTaskSetRejectsAfterShutdown(t *testing.T) {
	ts := NewTaskSet(time.Second, nil)
	require.NoError(t, ts.Shutdown(time.Millisecond, time.Millisecond))

	_, err := ts.Go("late", 0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrTaskSetShutdown)
	assert.NoError(t, ts.Shutdown(time.Millisecond, time.Millisecond))
}

func TestTaskSetTimeoutCancelsTask(t *testing.T) {
	ts := NewTaskSet(time.Second, nil)

	_, err := ts.Go("slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	err = ts.Shutdown(time.Second, 2*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskSetCancelsAtGrace(t *testing.T) {
	ts := NewTaskSet(time.Minute, nil)

	_, err := ts.Go("cooperative", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, ts.Shutdown(10*time.Millisecond, time.Second))
}

func TestTaskSetReportsLeak(t *testing.T) {
	ts := NewTaskSet(time.Minute, nil)
	release := make(chan struct{})

	_, err := ts.Go("stubborn", 0, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	err = ts.Shutdown(10*time.Millisecond, 20*time.Millisecond)
	close(release)

	var leak *LeakError
	require.ErrorAs(t, err, &leak)
	assert.Equal(t, 1, leak.LeakedCount)
	assert.Contains(t, leak.Tasks[0], "stubborn")

	require.NoError(t, ts.Wait(context.Background()))
}

func TestTaskSetWaitHonorsContext(t *testing.T) {
	ts := NewTaskSet(time.Minute, nil)
	release := make(chan struct{})
	_, err := ts.Go("blocked", 0, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, ts.Shutdown(time.Second, 2*time.Second))
}
