package gps

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
)

// fakeSource hands out a scripted subscription and single-shot results
type fakeSource struct {
	mu        sync.Mutex
	fixes     chan pkg.RawFix
	errs      chan error
	onceFix   pkg.RawFix
	onceErr   error
	onceCalls int
	onceOpts  WatchOptions
	watchErr  error
	closed    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		fixes: make(chan pkg.RawFix, 8),
		errs:  make(chan error, 8),
	}
}

func (f *fakeSource) Watch(ctx context.Context, opts WatchOptions) (Subscription, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f, nil
}

func (f *fakeSource) Once(ctx context.Context, opts WatchOptions) (pkg.RawFix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onceCalls++
	f.onceOpts = opts
	return f.onceFix, f.onceErr
}

func (f *fakeSource) Fixes() <-chan pkg.RawFix { return f.fixes }
func (f *fakeSource) Errors() <-chan error     { return f.errs }
func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onceCalls
}

func testLogger() *logx.Logger {
	return logx.NewWithWriter("error", io.Discard)
}

func TestTrackerRetriesOnceWithLowAccuracy(t *testing.T) {
	src := newFakeSource()
	src.onceFix = fixAt(0, 900)
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	tr.HandleError(context.Background(), ErrTimeout)

	if src.calls() != 1 {
		t.Fatalf("Once called %d times; want 1", src.calls())
	}
	if src.onceOpts.HighAccuracy {
		t.Error("retry must request low accuracy")
	}
	snap := tr.Snapshot()
	if snap.Availability != pkg.AvailabilityAvailable || snap.Position == nil {
		t.Fatalf("unexpected snapshot after successful retry: %+v", snap)
	}
	if snap.Position.Quality != pkg.QualityApproximate {
		t.Errorf("quality = %v; want approximate", snap.Position.Quality)
	}
}

func TestTrackerRetryFailureIsDeviceError(t *testing.T) {
	src := newFakeSource()
	src.onceErr = errors.New("no satellites")
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	tr.HandleError(context.Background(), ErrTimeout)

	if src.calls() != 1 {
		t.Errorf("Once called %d times; want exactly 1", src.calls())
	}
	if got := tr.Snapshot().Availability; got != pkg.AvailabilityDeviceError {
		t.Errorf("availability = %v; want error", got)
	}
}

func TestTrackerPermissionDeniedDoesNotRetry(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	tr.HandleError(context.Background(), ErrPermissionDenied)

	if src.calls() != 0 {
		t.Errorf("Once called %d times; want 0", src.calls())
	}
	if got := tr.Snapshot().Availability; got != pkg.AvailabilityPermissionDenied {
		t.Errorf("availability = %v; want denied", got)
	}

	tr.Reset()
	if got := tr.Snapshot().Availability; got != pkg.AvailabilitySearching {
		t.Errorf("availability after reset = %v; want searching", got)
	}
}

func TestTrackerRunProcessesEventsAndReleasesWatcher(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	changes := make(chan Snapshot, 8)
	tr.OnChange(func(s Snapshot) { changes <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	src.fixes <- fixAt(0, 20)
	src.fixes <- fixAt(1, 60) // jitter, no change published
	src.fixes <- fixAt(15, 60)

	var last Snapshot
	for i := 0; i < 2; i++ {
		select {
		case last = <-changes:
		case <-time.After(time.Second):
			t.Fatalf("change %d not published", i+1)
		}
	}
	if last.Position == nil || last.Position.AccuracyM != 60 {
		t.Errorf("unexpected final snapshot %+v", last)
	}

	if err := tr.Run(ctx); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("second Run error = %v; want ErrAlreadyWatching", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	src.mu.Lock()
	closed := src.closed
	src.mu.Unlock()
	if !closed {
		t.Error("subscription not closed on shutdown")
	}
}

func TestTrackerRunReportsWatchStartFailure(t *testing.T) {
	src := newFakeSource()
	src.watchErr = errors.New("no location provider")
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	if err := tr.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when the watch cannot start")
	}
	if src.calls() != 0 {
		t.Errorf("Once called %d times; want 0", src.calls())
	}
	if got := tr.Snapshot().Availability; got != pkg.AvailabilitySearching {
		t.Errorf("availability = %v; want searching", got)
	}
}

func TestSecondTrackerOnSameSourceLeavesFilterAlone(t *testing.T) {
	src := NewPushSource()
	first := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !src.Watching() {
		if time.Now().After(deadline) {
			t.Fatal("first tracker never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cfg := DefaultTrackerConfig()
	cfg.Retry.Timeout = 10 * time.Millisecond
	second := NewTracker(src, cfg, testLogger(), nil)
	if err := second.Run(ctx); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("second Run error = %v; want ErrAlreadyWatching", err)
	}
	if got := second.Snapshot().Availability; got != pkg.AvailabilitySearching {
		t.Errorf("second tracker availability = %v; want searching", got)
	}
}

func TestTrackerWithPushSource(t *testing.T) {
	src := NewPushSource()
	tr := NewTracker(src, DefaultTrackerConfig(), testLogger(), nil)

	accepted := make(chan Snapshot, 4)
	tr.OnChange(func(s Snapshot) { accepted <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !src.Watching() {
		if time.Now().After(deadline) {
			t.Fatal("tracker never attached to the push source")
		}
		time.Sleep(5 * time.Millisecond)
	}

	src.Push(fixAt(0, 12))
	select {
	case s := <-accepted:
		if s.Position == nil || s.Position.Quality != pkg.QualityPrecise {
			t.Errorf("unexpected snapshot %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("pushed fix not processed")
	}
}

func TestTrackerRetryFixIsProcessedOnce(t *testing.T) {
	src := NewPushSource()
	cfg := DefaultTrackerConfig()
	cfg.Retry.MaximumAge = 0
	tr := NewTracker(src, cfg, testLogger(), nil)

	var (
		mu       sync.Mutex
		accepted int
	)
	tr.OnChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Position != nil {
			accepted++
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !src.Watching() {
		if time.Now().After(deadline) {
			t.Fatal("tracker never attached to the push source")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the error starts the low accuracy retry, which waits in Once
	src.Fail(ErrTimeout)
	deadline = time.Now().Add(time.Second)
	for {
		src.mu.Lock()
		waiting := len(src.waiters) > 0
		src.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	src.Push(fixAt(0, 900))

	deadline = time.Now().Add(time.Second)
	for tr.Snapshot().Position == nil {
		if time.Now().After(deadline) {
			t.Fatal("retry fix not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if accepted != 1 {
		t.Errorf("fix published %d times; want 1", accepted)
	}
}
