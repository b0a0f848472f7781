package fault

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
	"github.com/anibaldeboni/zero-paper/sensorhub/retry"
)

func testGuard() Guard {
	return NewGuard(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, 50*time.Millisecond)
}

func TestPollSuccess(t *testing.T) {
	out := Poll(context.Background(), testGuard(), "ok", func(context.Context) (float64, error) {
		return 21.5, nil
	})
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, 21.5, out.Value)
	assert.Equal(t, 1, out.Attempts)
	assert.NoError(t, out.Err)
}

func TestPollRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	out := Poll(context.Background(), testGuard(), "flaky", func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, driver.Transient("read", driver.ErrBusBusy)
		}
		return 7, nil
	})
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, 7, out.Value)
	assert.Equal(t, 3, out.Attempts)
}

func TestPollExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	out := Poll(context.Background(), testGuard(), "busy", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, driver.Transient("read", driver.ErrBusBusy)
	})
	assert.Equal(t, Transient, out.Kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, out.Err, driver.ErrBusBusy)
}

func TestPollFatalIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	out := Poll(context.Background(), testGuard(), "gone", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, driver.Fatal("read", driver.ErrDeviceAbsent)
	})
	assert.Equal(t, Fatal, out.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollRecoversPanic(t *testing.T) {
	out := Poll(context.Background(), testGuard(), "panicky", func(context.Context) (int, error) {
		panic("index out of range")
	})
	require.Equal(t, Fatal, out.Kind)
	var pe *PanicError
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, "index out of range", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestPollTimesOutStuckDriver(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	g := NewGuard(retry.Policy{MaxRetries: 0}, 20*time.Millisecond)
	start := time.Now()
	out := Poll(context.Background(), g, "stuck", func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	assert.Equal(t, Transient, out.Kind)
	assert.ErrorIs(t, out.Err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := Poll(ctx, testGuard(), "late", func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	assert.Equal(t, Canceled, out.Kind)
}

func TestPollUnclassifiedErrorIsFatal(t *testing.T) {
	out := Poll(context.Background(), testGuard(), "odd", func(context.Context) (int, error) {
		return 0, errors.New("something odd")
	})
	assert.Equal(t, Fatal, out.Kind)
}

func TestSetup(t *testing.T) {
	g := testGuard()
	assert.NoError(t, g.Setup(context.Background(), "ok", func(context.Context) error { return nil }))

	err := g.Setup(context.Background(), "bad", func(context.Context) error {
		return driver.Fatal("open", driver.ErrPermissionDenied)
	})
	assert.ErrorIs(t, err, driver.ErrPermissionDenied)
}

func TestSetupRunsOnce(t *testing.T) {
	var calls atomic.Int32
	err := testGuard().Setup(context.Background(), "busy", func(context.Context) error {
		calls.Add(1)
		return driver.Transient("open", driver.ErrBusBusy)
	})
	assert.ErrorIs(t, err, driver.ErrBusBusy)
	assert.Equal(t, int32(1), calls.Load(), "transient setup errors are not retried")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "canceled", Canceled.String())
}
