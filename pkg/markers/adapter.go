// Package markers keeps the live marker set in sync with a marker store and
// creates new markers on behalf of the current session.
package markers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/metrics"
)

var (
	// ErrAlreadyStarted is returned when the adapter already owns a subscription
	ErrAlreadyStarted = errors.New("marker subscription already started")
	// ErrNoSession is returned when creating a marker without an active session
	ErrNoSession = errors.New("no active session")
	// ErrWriteFailed wraps a store write that was dropped
	ErrWriteFailed = errors.New("marker write failed")
)

// Store is a shared marker store
type Store interface {
	// Name identifies the store in logs and metrics
	Name() string
	// Subscribe delivers full snapshots until unsubscribe is called.
	// onError is called for delivery failures; the subscription stays open.
	Subscribe(ctx context.Context, onSnapshot func([]pkg.Marker), onError func(error)) (unsubscribe func(), err error)
	// Create persists a marker. The new marker reaches subscribers through a snapshot.
	Create(ctx context.Context, m pkg.Marker) error
}

// DefaultRetention is how long a marker stays in the live set
const DefaultRetention = 24 * time.Hour

// Status describes the adapter for health reporting
type Status struct {
	Store        string    `json:"store"`
	Started      bool      `json:"started"`
	Count        int       `json:"count"`
	LastSnapshot time.Time `json:"last_snapshot,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Adapter owns the single store subscription and the live MarkerSet.
// Without a store it runs in local mode: markers are only kept in memory.
type Adapter struct {
	store     Store
	retention time.Duration
	logger    *logx.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu           sync.RWMutex
	byID         map[string]pkg.Marker
	listeners    []func([]pkg.Marker)
	started      bool
	unsubscribe  func()
	lastSnapshot time.Time
	lastErr      error
}

// NewAdapter creates an adapter. A nil store selects local mode.
func NewAdapter(store Store, retention time.Duration, logger *logx.Logger, m *metrics.Collector) *Adapter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Adapter{
		store:     store,
		retention: retention,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		byID:      make(map[string]pkg.Marker),
	}
}

// WithClock overrides the time source
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// Local reports whether the adapter runs without a remote store
func (a *Adapter) Local() bool {
	return a.store == nil
}

// StoreName returns the backing store name
func (a *Adapter) StoreName() string {
	if a.store == nil {
		return "local"
	}
	return a.store.Name()
}

// Start opens the store subscription
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	if a.store == nil {
		a.logger.Info("marker store not configured, using local markers")
		return nil
	}

	unsub, err := a.store.Subscribe(ctx, a.applySnapshot, a.storeError)
	if err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return fmt.Errorf("subscribing to %s store: %w", a.store.Name(), err)
	}

	a.mu.Lock()
	a.unsubscribe = unsub
	a.mu.Unlock()

	a.logger.Info("marker subscription started", "store", a.store.Name())
	return nil
}

// Stop releases the store subscription. It is safe to call more than once.
func (a *Adapter) Stop() {
	a.mu.Lock()
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.started = false
	a.mu.Unlock()

	if unsub != nil {
		unsub()
		a.logger.Info("marker subscription stopped", "store", a.StoreName())
	}
}

// OnChange registers a listener called with the live set after every change
func (a *Adapter) OnChange(fn func([]pkg.Marker)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Markers returns the live markers ordered by id. Retention is applied on
// read so markers age out between snapshots.
func (a *Adapter) Markers() []pkg.Marker {
	now := a.now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]pkg.Marker, 0, len(a.byID))
	for _, m := range a.byID {
		if a.retained(m, now) {
			out = append(out, m)
		}
	}
	sortByID(out)
	return out
}

// Status returns a health summary
func (a *Adapter) Status() Status {
	count := len(a.Markers())
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Status{
		Store:        a.StoreName(),
		Started:      a.started,
		Count:        count,
		LastSnapshot: a.lastSnapshot,
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	return s
}

// Add writes a marker. Local mode appends it immediately; otherwise it is
// written to the store and shows up with the next snapshot.
func (a *Adapter) Add(ctx context.Context, m pkg.Marker) error {
	if a.store == nil {
		a.mu.Lock()
		a.byID[m.ID] = m
		live, listeners := a.liveLocked(a.now()), a.listeners
		a.mu.Unlock()
		a.publish(live, listeners)
		return nil
	}

	if err := a.store.Create(ctx, m); err != nil {
		a.metrics.RecordStoreError(a.store.Name())
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (a *Adapter) applySnapshot(snapshot []pkg.Marker) {
	now := a.now()
	next := make(map[string]pkg.Marker, len(snapshot))
	for _, m := range snapshot {
		if a.retained(m, now) {
			next[m.ID] = m
		}
	}

	a.mu.Lock()
	a.byID = next
	a.lastSnapshot = now
	a.lastErr = nil
	live, listeners := a.liveLocked(now), a.listeners
	a.mu.Unlock()

	a.metrics.RecordSnapshot(a.StoreName())
	a.logger.Debug("marker snapshot applied",
		"store", a.StoreName(),
		"received", len(snapshot),
		"live", len(live),
	)
	a.publish(live, listeners)
}

func (a *Adapter) storeError(err error) {
	a.mu.Lock()
	a.lastErr = err
	kept := len(a.byID)
	a.mu.Unlock()

	a.metrics.RecordStoreError(a.StoreName())
	a.logger.Warn("marker store error, keeping last known markers",
		"store", a.StoreName(),
		"kept", kept,
		"error", err,
	)
}

func (a *Adapter) retained(m pkg.Marker, now time.Time) bool {
	return m.Age(now) < a.retention
}

func (a *Adapter) liveLocked(now time.Time) []pkg.Marker {
	out := make([]pkg.Marker, 0, len(a.byID))
	for _, m := range a.byID {
		if a.retained(m, now) {
			out = append(out, m)
		}
	}
	sortByID(out)
	return out
}

func (a *Adapter) publish(live []pkg.Marker, listeners []func([]pkg.Marker)) {
	a.metrics.SetMarkerCount(len(live))
	for _, fn := range listeners {
		fn(live)
	}
}

func sortByID(ms []pkg.Marker) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}
