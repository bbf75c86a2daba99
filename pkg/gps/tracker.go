package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/metrics"
)

// TrackerConfig configures the watcher owned by a Tracker
type TrackerConfig struct {
	Filter FilterConfig `json:"filter"`
	Watch  WatchOptions `json:"watch"` // continuous high accuracy watch
	Retry  WatchOptions `json:"retry"` // single low accuracy request after the first error
}

// DefaultTrackerConfig returns default tracker configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Filter: DefaultFilterConfig(),
		Watch: WatchOptions{
			HighAccuracy: true,
			Timeout:      15 * time.Second,
			MaximumAge:   0,
		},
		Retry: WatchOptions{
			HighAccuracy: false,
			Timeout:      20 * time.Second,
			MaximumAge:   time.Minute,
		},
	}
}

// Snapshot is a read-only copy of the tracker state
type Snapshot struct {
	Position     *pkg.FusedPosition `json:"position,omitempty"`
	Availability pkg.Availability   `json:"availability"`
}

// Tracker owns the single location subscription and drives the Filter
// from it. Readers get snapshots; only the event loop mutates the filter.
type Tracker struct {
	source  LocationSource
	config  TrackerConfig
	logger  *logx.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	filter    *Filter
	listeners []func(Snapshot)

	running atomic.Bool
}

// NewTracker creates a tracker for the given source
func NewTracker(source LocationSource, config TrackerConfig, logger *logx.Logger, m *metrics.Collector) *Tracker {
	return &Tracker{
		source:  source,
		config:  config,
		logger:  logger,
		metrics: m,
		filter:  NewFilter(config.Filter),
	}
}

// OnChange registers a listener called after every state change
func (t *Tracker) OnChange(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Snapshot returns the current fused position and availability
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{Availability: t.filter.Availability()}
	if pos, ok := t.filter.Position(); ok {
		s.Position = &pos
	}
	return s
}

// Run watches the source until ctx is cancelled. Only one Run may be
// active at a time; cancelling ctx releases the watcher.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyWatching
	}
	defer t.running.Store(false)

	// Start failures are wiring errors; location failures arrive on sub.Errors().
	sub, err := t.source.Watch(ctx, t.config.Watch)
	if err != nil {
		return fmt.Errorf("starting location watch: %w", err)
	}
	defer sub.Close()

	t.logger.Info("location watch started",
		"high_accuracy", t.config.Watch.HighAccuracy,
		"timeout", t.config.Watch.Timeout.String(),
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("location watch stopped")
			return nil
		case fix := <-sub.Fixes():
			t.HandleFix(fix)
		case err := <-sub.Errors():
			t.HandleError(ctx, err)
		}
	}
}

// HandleFix feeds one fix through the filter
func (t *Tracker) HandleFix(fix pkg.RawFix) Outcome {
	t.mu.Lock()
	before := t.filter.Availability()
	outcome := t.filter.OnRawFix(fix)
	snap := t.snapshotLocked()
	listeners := t.listeners
	t.mu.Unlock()

	t.metrics.RecordFix(string(outcome))

	switch outcome {
	case OutcomeAccepted:
		t.logger.Debug("fix accepted",
			"lat", fix.Latitude,
			"lng", fix.Longitude,
			"accuracy_m", fix.AccuracyM,
			"quality", snap.Position.Quality,
		)
	case OutcomeRejectedJitter:
		t.logger.Debug("fix rejected as jitter", "accuracy_m", fix.AccuracyM)
	}

	if outcome == OutcomeAccepted || snap.Availability != before {
		t.publish(snap, listeners)
	}
	return outcome
}

// HandleError feeds one watcher error through the filter, performing the
// single low accuracy retry when the filter asks for it.
func (t *Tracker) HandleError(ctx context.Context, err error) {
	denied := errors.Is(err, ErrPermissionDenied)

	t.mu.Lock()
	before := t.filter.Availability()
	action := t.filter.OnWatchError(denied)
	snap := t.snapshotLocked()
	listeners := t.listeners
	t.mu.Unlock()

	t.metrics.RecordWatchError(errorKind(err))

	if snap.Availability != before {
		t.logger.Warn("location availability changed",
			"from", before,
			"to", snap.Availability,
			"error", err,
		)
		t.publish(snap, listeners)
	}

	if action != ActionRetryLowAccuracy {
		return
	}

	t.logger.Info("location error, retrying once with low accuracy", "error", err)
	fix, rerr := t.source.Once(ctx, t.config.Retry)
	if rerr != nil {
		if ctx.Err() != nil {
			return
		}
		t.HandleError(ctx, rerr)
		return
	}
	t.HandleFix(fix)
}

// Reset leaves PermissionDenied/DeviceError after an explicit user retry
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.filter.Reset()
	snap := t.snapshotLocked()
	listeners := t.listeners
	t.mu.Unlock()

	t.logger.Info("location status reset", "availability", snap.Availability)
	t.publish(snap, listeners)
}

func (t *Tracker) publish(snap Snapshot, listeners []func(Snapshot)) {
	t.metrics.SetLocation(snap.Position, snap.Availability)
	for _, fn := range listeners {
		fn(snap)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "device"
	}
}

// Location returns the fused position (nil when none) and availability
func (t *Tracker) Location() (*pkg.FusedPosition, pkg.Availability) {
	s := t.Snapshot()
	return s.Position, s.Availability
}
