package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func value[T any](t *testing.T, r Result[T]) T {
	t.Helper()
	v, err := r.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if r.IsErr() {
		t.Fatal("Ok should not be an error")
	}
	if v := value(t, r); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}

	boom := errors.New("boom")
	e := Err[int](boom)
	if !e.IsErr() {
		t.Fatal("Err should be an error")
	}
	if _, err := e.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPartition(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	vals, errs := Partition([]Result[int]{Ok(1), Err[int](a), Ok(2), Err[int](b), Ok(3)})
	if len(vals) != 3 || vals[0] != 1 || vals[1] != 2 || vals[2] != 3 {
		t.Fatalf("unexpected values %v", vals)
	}
	if len(errs) != 2 || errs[0] != a || errs[1] != b {
		t.Fatalf("unexpected errors %v", errs)
	}
}

// --- Slices ---

func TestChunk(t *testing.T) {
	got := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 || got[2][0] != 5 {
		t.Fatalf("unexpected chunks %v", got)
	}
	if Chunk([]int{1}, 0) != nil {
		t.Fatal("non-positive size should return nil")
	}
	if len(Chunk([]int{}, 3)) != 0 {
		t.Fatal("empty input should yield no chunks")
	}
}

func TestUniqueBy(t *testing.T) {
	type item struct {
		id   string
		rank int
	}
	got := UniqueBy([]item{{"a", 1}, {"b", 2}, {"a", 3}, {"c", 4}, {"b", 5}}, func(i item) string { return i.id })
	if len(got) != 3 || got[0].rank != 1 || got[1].rank != 2 || got[2].rank != 4 {
		t.Fatalf("expected first occurrence of each key in order, got %v", got)
	}
}

// --- Parallel ---

func TestParMap(t *testing.T) {
	out := ParMap([]int{1, 2, 3, 4}, 2, func(v int) int { return v * 2 })
	for i, v := range out {
		if v != (i+1)*2 {
			t.Fatalf("ParMap order broken at %d", i)
		}
	}
	if len(ParMap([]int{}, 2, func(v int) int { return v })) != 0 {
		t.Fatal("ParMap empty should return empty")
	}
}

func TestParMapCtx_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	out := ParMapCtx(context.Background(), items, 3, func(_ context.Context, v int) Result[int] {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return Ok(v)
	})
	if len(out) != 20 {
		t.Fatalf("expected 20 results, got %d", len(out))
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds 3", peak.Load())
	}
}

func TestParMapCtx_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ParMapCtx(ctx, []int{1, 2, 3}, 1, func(ctx context.Context, v int) Result[int] {
		if err := ctx.Err(); err != nil {
			return Err[int](err)
		}
		return Ok(v)
	})
	for i, r := range out {
		if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
			t.Fatalf("slot %d: expected context.Canceled, got %v", i, err)
		}
	}
}

func TestSlots(t *testing.T) {
	s := NewSlots(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	s.Release()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("slot should be free after Release: %v", err)
	}
}

// --- Pipeline ---

func TestThen(t *testing.T) {
	double := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v * 2) })
	addOne := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) })

	if v := value(t, Then(double, addOne)(context.Background(), 5)); v != 11 {
		t.Fatalf("expected 11, got %d", v)
	}
}

func TestThenShortCircuits(t *testing.T) {
	fail := Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("fail")) })
	called := false
	second := Stage[int, int](func(_ context.Context, v int) Result[int] {
		called = true
		return Ok(v)
	})

	r := Then(fail, second)(context.Background(), 1)
	if !r.IsErr() || called {
		t.Fatal("Then should short-circuit")
	}
}

func TestMapStage(t *testing.T) {
	s := MapStage(func(v int) string { return strconv.Itoa(v) })
	if v := value(t, s(context.Background(), 42)); v != "42" {
		t.Fatalf("expected \"42\", got %q", v)
	}
}

func TestTracedStage(t *testing.T) {
	s := TracedStage("test-stage", Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) }))
	if v := value(t, s(context.Background(), 1)); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}

	e := TracedStage("err-stage", Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("x")) }))
	if !e(context.Background(), 1).IsErr() {
		t.Fatal("TracedStage error should propagate")
	}
}

// --- Retry ---

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), Backoff{Attempts: 3, Base: time.Millisecond}, func(_ context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Err[int](errors.New("not yet"))
		}
		return Ok(42)
	})
	if v := value(t, r); v != 42 || attempts != 3 {
		t.Fatalf("expected 42 on the third attempt, got %d after %d", v, attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), Backoff{Attempts: 2, Base: time.Millisecond}, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](errors.New("fail"))
	})
	if !r.IsErr() || attempts != 2 {
		t.Fatalf("expected failure after 2 attempts, got %d", attempts)
	}
}

func TestRetryZeroAttemptsCallsOnce(t *testing.T) {
	attempts := 0
	Retry(context.Background(), Backoff{}, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](errors.New("fail"))
	})
	if attempts != 1 {
		t.Fatalf("expected one call, got %d", attempts)
	}
}

func TestRetryNotRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	r := Retry(context.Background(), Backoff{
		Attempts:  5,
		Base:      time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](permanent)
	})
	if !r.IsErr() || attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	r := Retry(ctx, Backoff{Attempts: 100, Base: 10 * time.Millisecond}, func(ctx context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffWaitIsCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 4 * time.Second}
	for attempt := 0; attempt < 70; attempt++ {
		w := b.wait(attempt)
		if w < 0 || w > 6*time.Second {
			t.Fatalf("attempt %d: wait %v outside [0, 1.5*cap]", attempt, w)
		}
	}
}
