// Package storage persists markers and session settings in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
)

// Options tune the store
type Options struct {
	PollInterval time.Duration // how often subscribers re-read the table
	PruneAfter   time.Duration // rows older than this are deleted while polling; 0 keeps everything
}

// DefaultOptions returns default store options
func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Second,
		PruneAfter:   48 * time.Hour,
	}
}

// Store is a SQLite backed marker and settings store
type Store struct {
	db      *sql.DB
	path    string
	options Options
	logger  *logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	waiters map[int]chan struct{}
	nextID  int
}

// Open opens (creating if needed) the database at path
func Open(path string, options Options, logger *logx.Logger) (*Store, error) {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultOptions().PollInterval
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		path:    path,
		options: options,
		logger:  logger,
		now:     time.Now,
		waiters: make(map[int]chan struct{}),
	}

	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS markers (
		id         TEXT PRIMARY KEY,
		lat        REAL NOT NULL,
		lng        REAL NOT NULL,
		added_by   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_markers_created_at ON markers(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// Name implements markers.Store
func (s *Store) Name() string {
	return "sqlite"
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a marker and wakes subscribers. Markers are immutable, so
// a second write with the same id is ignored.
func (s *Store) Create(ctx context.Context, m pkg.Marker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO markers (id, lat, lng, added_by, created_at, kind) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Latitude, m.Longitude, m.AddedBy.Encode(), m.CreatedAt, string(m.Kind),
	)
	if err != nil {
		return fmt.Errorf("inserting marker %s: %w", m.ID, err)
	}
	s.wake()
	return nil
}

// List returns all markers created at or after since (epoch ms), ordered by id
func (s *Store) List(ctx context.Context, since int64) ([]pkg.Marker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lat, lng, added_by, created_at, kind FROM markers WHERE created_at >= ? ORDER BY id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()

	var out []pkg.Marker
	for rows.Next() {
		var (
			m       pkg.Marker
			addedBy string
			kind    string
		)
		if err := rows.Scan(&m.ID, &m.Latitude, &m.Longitude, &addedBy, &m.CreatedAt, &kind); err != nil {
			return nil, fmt.Errorf("scanning marker: %w", err)
		}
		m.AddedBy = pkg.DecodeIdentity(addedBy)
		m.Kind = pkg.Kind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes markers created before cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning markers: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe implements markers.Store. A snapshot is delivered immediately,
// after every local Create and at each poll interval.
func (s *Store) Subscribe(ctx context.Context, onSnapshot func([]pkg.Marker), onError func(error)) (func(), error) {
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}

	wake, id := s.addWaiter()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer s.removeWaiter(id)

		ticker := time.NewTicker(s.options.PollInterval)
		defer ticker.Stop()

		for {
			s.poll(ctx, onSnapshot, onError)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *Store) poll(ctx context.Context, onSnapshot func([]pkg.Marker), onError func(error)) {
	if s.options.PruneAfter > 0 {
		if n, err := s.Prune(ctx, s.now().Add(-s.options.PruneAfter)); err != nil {
			s.logger.Warn("marker prune failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned expired markers", "count", n)
		}
	}

	markers, err := s.List(ctx, 0)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		onError(err)
		return
	}
	onSnapshot(markers)
}

func (s *Store) addWaiter() (chan struct{}, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ch := make(chan struct{}, 1)
	s.waiters[s.nextID] = ch
	return ch, s.nextID
}

func (s *Store) removeWaiter(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
}

func (s *Store) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// GetSetting implements session.SettingsStore
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting implements session.SettingsStore
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting implements session.SettingsStore
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}
