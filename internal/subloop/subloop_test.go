package subloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingBackoff 记录每次请求的 attempt，延迟固定为 0。
type recordingBackoff struct {
	mu       sync.Mutex
	attempts []int
}

func (b *recordingBackoff) NextDelay(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, attempt)
	return 0
}

func (b *recordingBackoff) snapshot() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(ctx context.Context, ready func()) error {
			ready()
			<-ctx.Done()
			return nil
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_BackoffGrowsUntilSessionEstablished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backoff := &recordingBackoff{}
	errLost := errors.New("connection lost")
	calls := 0
	err := Run(ctx, func(_ context.Context, ready func()) error {
		calls++
		switch calls {
		case 1, 2:
			// 订阅未建立即失败。
			return errLost
		case 3:
			ready()
			return errLost
		case 4:
			return nil
		default:
			cancel()
			return errLost
		}
	}, WithBackoff(backoff))

	require.ErrorIs(t, err, context.Canceled)
	// 第 3 次会话建立后计数归零，第 4 次会话返回 nil 视为断开。
	assert.Equal(t, []int{1, 2, 1, 2}, backoff.snapshot())
}

func TestRun_OnErrorReportsSessionEnded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []error
	err := Run(ctx, func(_ context.Context, ready func()) error {
		ready()
		if len(got) == 2 {
			cancel()
		}
		return nil
	},
		WithBackoff(xretry.NewNoBackoff()),
		WithOnError(func(err error, attempt int, delay time.Duration) {
			assert.Equal(t, 1, attempt)
			assert.Zero(t, delay)
			got = append(got, err)
		}),
	)

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.ErrorIs(t, e, ErrSessionEnded)
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(context.Context, func()) error {
			return errors.New("down")
		}, WithBackoff(xretry.NewFixedBackoff(time.Hour)))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return during backoff")
	}
}

func TestWithBackoff_NilIgnored(t *testing.T) {
	o := &Options{Backoff: xretry.NewNoBackoff()}
	WithBackoff(nil)(o)
	assert.NotNil(t, o.Backoff)
}
