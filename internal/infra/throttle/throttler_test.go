package throttle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"telesmasher/internal/infra/throttle"
)

var errServerBusy = errors.New("server busy")

func newStarted(t *testing.T, rate int, opts ...throttle.Option) *throttle.Throttler {
	t.Helper()
	tr := throttle.New(rate, opts...)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr
}

func TestDoRequiresStart(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1)
	err := tr.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, throttle.ErrNotStarted) {
		t.Fatalf("Do() error = %v, want ErrNotStarted", err)
	}
}

func TestDoBurstIsPrefilled(t *testing.T) {
	t.Parallel()

	tr := newStarted(t, 1, throttle.WithBurst(3))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tr.Do(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("three calls within burst took %v, want immediate", elapsed)
	}
}

func TestPermanentStopsRetries(t *testing.T) {
	t.Parallel()

	tr := newStarted(t, 100)
	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return throttle.Permanent(errServerBusy)
	})
	if !errors.Is(err, errServerBusy) {
		t.Fatalf("Do() error = %v, want wrapped errServerBusy", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1 (permanent errors must not retry)", calls)
	}
}

func TestWaitExtractorDoesNotConsumeRetryBudget(t *testing.T) {
	t.Parallel()

	extractor := func(err error) (time.Duration, bool) {
		if errors.Is(err, errServerBusy) {
			return time.Millisecond, true
		}
		return 0, false
	}
	tr := newStarted(t, 100,
		throttle.WithMaxRetries(1),
		throttle.WithWaitExtractors(extractor),
	)

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errServerBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("fn calls = %d, want 3 (server waits bypass the retry limit)", calls)
	}
}

func TestMaxRetriesExhaustion(t *testing.T) {
	t.Parallel()

	tr := newStarted(t, 100,
		throttle.WithMaxRetries(1),
		throttle.WithRandom(func() float64 { return 0 }),
	)
	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return errServerBusy
	})
	if !errors.Is(err, errServerBusy) {
		t.Fatalf("Do() error = %v, want wrapped errServerBusy", err)
	}
	if calls != 2 {
		t.Fatalf("fn calls = %d, want 2 (first try + 1 retry)", calls)
	}
}

func TestContextCancelInterruptsBackoff(t *testing.T) {
	t.Parallel()

	tr := newStarted(t, 100, throttle.WithRandom(func() float64 { return 0 }))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := tr.Do(ctx, func() error {
		calls++
		return errServerBusy
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want context.DeadlineExceeded", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("Do() returned after %v, want prompt cancellation", elapsed)
	}
}

func TestStopCancelsPendingDo(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1, throttle.WithBurst(1))
	tr.Start(context.Background())

	if err := tr.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		// бакет пуст: вызов повиснет в ожидании токена до Stop
		done <- tr.Do(context.Background(), func() error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() after Stop error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Do() did not return after Stop")
	}
}
