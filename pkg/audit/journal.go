// Package audit keeps an append-only JSONL journal of user-visible activity:
// marker creations, session changes and location status transitions.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventMarkerCreated  = "marker_created"
	EventMarkerFailed   = "marker_failed"
	EventLogin          = "login"
	EventLogout         = "logout"
	EventLanguage       = "language"
	EventLocationStatus = "location_status"
)

const filePattern = "activity-*.jsonl"

// Event is a single journal line
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Options bounds the on-disk size of the journal
type Options struct {
	MaxFileSize int64
	MaxFiles    int
}

// DefaultOptions returns default journal options
func DefaultOptions() Options {
	return Options{
		MaxFileSize: 5 * 1024 * 1024,
		MaxFiles:    5,
	}
}

// Journal writes events to rotating files in a directory. A nil *Journal
// discards everything, so callers never need to check whether auditing is on.
type Journal struct {
	dir     string
	options Options
	now     func() time.Time

	mu      sync.Mutex
	current *os.File
}

// Open creates the directory if needed and opens a fresh journal file
func Open(dir string, options Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if options.MaxFiles <= 0 {
		options.MaxFiles = DefaultOptions().MaxFiles
	}

	j := &Journal{dir: dir, options: options, now: time.Now}
	if err := j.openFile(); err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return j, nil
}

// Record appends one event, stamping time and id when missing
func (j *Journal) Record(event Event) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = j.now().UTC()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	if j.needsRotation(int64(len(data))) {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotating audit file: %w", err)
		}
	}
	if _, err := j.current.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Query returns events at or after since, oldest first. An empty types
// slice matches every type; limit <= 0 means no limit.
func (j *Journal) Query(since time.Time, types []string, limit int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.files()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, path := range files {
		fileEvents, err := readEvents(path, since, types)
		if err != nil {
			continue // rotated away under us
		}
		events = append(events, fileEvents...)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Close closes the current file
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	err := j.current.Close()
	j.current = nil
	return err
}

func (j *Journal) openFile() error {
	name := fmt.Sprintf("activity-%s.jsonl", j.now().UTC().Format("20060102-150405.000000000"))
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.current = f
	return nil
}

func (j *Journal) needsRotation(additional int64) bool {
	if j.current == nil {
		return true
	}
	stat, err := j.current.Stat()
	if err != nil {
		return true
	}
	return stat.Size() > 0 && stat.Size()+additional > j.options.MaxFileSize
}

func (j *Journal) rotate() error {
	if j.current != nil {
		j.current.Close()
		j.current = nil
	}
	if err := j.openFile(); err != nil {
		return err
	}
	j.cleanup()
	return nil
}

// cleanup removes the oldest files beyond MaxFiles
func (j *Journal) cleanup() {
	files, err := j.files()
	if err != nil {
		return
	}
	for i := 0; i < len(files)-j.options.MaxFiles; i++ {
		os.Remove(files[i])
	}
}

// files lists journal files oldest first
func (j *Journal) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(j.dir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func readEvents(path string, since time.Time, types []string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Timestamp.Before(since) || !matchesType(event.Type, types) {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func matchesType(t string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
