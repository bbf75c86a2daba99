package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/empati/empati/pkg"
)

var (
	// ErrPermissionDenied is reported when the user refused location access
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrTimeout is reported when no fix arrived within the request timeout
	ErrTimeout = errors.New("location request timed out")
	// ErrAlreadyWatching is returned when a second watcher is requested
	ErrAlreadyWatching = errors.New("location source already has a watcher")
)

// Watch error codes used on the wire
const (
	CodePermissionDenied = "permission_denied"
	CodeTimeout          = "timeout"
)

// ParseWatchError maps a wire error code to a watch error. Unknown codes
// are device failures.
func ParseWatchError(code string) error {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeTimeout:
		return ErrTimeout
	default:
		return fmt.Errorf("location device: %s", code)
	}
}

// WatchOptions mirrors the knobs of a platform geolocation request
type WatchOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`     // 0 waits forever
	MaximumAge   time.Duration `json:"maximum_age"` // cached fixes younger than this may be reused
}

// Subscription is a live stream of fixes and errors from a source.
// Close releases the underlying watcher.
type Subscription interface {
	Fixes() <-chan pkg.RawFix
	Errors() <-chan error
	Close()
}

// LocationSource delivers raw fixes
type LocationSource interface {
	Watch(ctx context.Context, opts WatchOptions) (Subscription, error)
	Once(ctx context.Context, opts WatchOptions) (pkg.RawFix, error)
}

const subscriptionBuffer = 16

// PushSource is a LocationSource fed from the outside (HTTP, MQTT). Only
// one watcher may be attached at a time.
type PushSource struct {
	mu      sync.Mutex
	watcher *pushSubscription
	waiters []chan onceResult
	last    *pkg.RawFix
	now     func() time.Time
}

type onceResult struct {
	fix pkg.RawFix
	err error
}

// NewPushSource creates an empty push source
func NewPushSource() *PushSource {
	return &PushSource{now: time.Now}
}

// Push delivers a fix to pending single-shot requests, or to the watcher
// when none are waiting. Each fix is delivered exactly once.
func (s *PushSource) Push(fix pkg.RawFix) {
	if fix.ObservedAt.IsZero() {
		fix.ObservedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = &fix
	if len(s.waiters) > 0 {
		for _, w := range s.waiters {
			w <- onceResult{fix: fix}
		}
		s.waiters = nil
		if s.watcher != nil {
			s.watcher.touch()
		}
		return
	}
	if s.watcher != nil {
		s.watcher.deliverFix(fix)
	}
}

// Fail delivers an error to pending single-shot requests, or to the watcher
// when none are waiting.
func (s *PushSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		for _, w := range s.waiters {
			w <- onceResult{err: err}
		}
		s.waiters = nil
		return
	}
	if s.watcher != nil {
		s.watcher.deliverErr(err)
	}
}

// Watching reports whether a watcher is attached
func (s *PushSource) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher != nil
}

// Watch attaches the single watcher. A cached fix younger than
// opts.MaximumAge is delivered immediately.
func (s *PushSource) Watch(ctx context.Context, opts WatchOptions) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil, ErrAlreadyWatching
	}

	sub := &pushSubscription{
		source: s,
		fixes:  make(chan pkg.RawFix, subscriptionBuffer),
		errs:   make(chan error, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	if opts.Timeout > 0 {
		sub.timeout = opts.Timeout
		sub.timer = time.AfterFunc(opts.Timeout, sub.expire)
	}
	s.watcher = sub

	if s.last != nil && opts.MaximumAge > 0 && s.now().Sub(s.last.ObservedAt) <= opts.MaximumAge {
		sub.deliverFix(*s.last)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Once waits for a single fix. A cached fix younger than opts.MaximumAge is
// returned without waiting.
func (s *PushSource) Once(ctx context.Context, opts WatchOptions) (pkg.RawFix, error) {
	s.mu.Lock()
	if s.last != nil && opts.MaximumAge > 0 && s.now().Sub(s.last.ObservedAt) <= opts.MaximumAge {
		fix := *s.last
		s.mu.Unlock()
		return fix, nil
	}
	ch := make(chan onceResult, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		return res.fix, res.err
	case <-timeout:
		s.dropWaiter(ch)
		return pkg.RawFix{}, ErrTimeout
	case <-ctx.Done():
		s.dropWaiter(ch)
		return pkg.RawFix{}, ctx.Err()
	}
}

func (s *PushSource) dropWaiter(ch chan onceResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// pushSubscription fields other than the channels are guarded by source.mu
type pushSubscription struct {
	source  *PushSource
	fixes   chan pkg.RawFix
	errs    chan error
	done    chan struct{}
	timer   *time.Timer
	timeout time.Duration
	closed  bool
}

func (p *pushSubscription) Fixes() <-chan pkg.RawFix { return p.fixes }
func (p *pushSubscription) Errors() <-chan error     { return p.errs }

// Close detaches the watcher from its source
func (p *pushSubscription) Close() {
	p.source.mu.Lock()
	defer p.source.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.source.watcher == p {
		p.source.watcher = nil
	}
	close(p.done)
}

func (p *pushSubscription) deliverFix(fix pkg.RawFix) {
	if p.closed {
		return
	}
	p.touch()
	select {
	case p.fixes <- fix:
	default:
		// consumer is behind; dropping keeps arrival order for the rest
	}
}

// touch restarts the watch timeout after a fix reached the source
func (p *pushSubscription) touch() {
	if p.closed || p.timer == nil {
		return
	}
	p.timer.Reset(p.timeout)
}

func (p *pushSubscription) deliverErr(err error) {
	if p.closed {
		return
	}
	select {
	case p.errs <- err:
	default:
	}
}

func (p *pushSubscription) expire() {
	p.source.mu.Lock()
	defer p.source.mu.Unlock()
	if p.closed {
		return
	}
	p.deliverErr(ErrTimeout)
	p.timer.Reset(p.timeout)
}
