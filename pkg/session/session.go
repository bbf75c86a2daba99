// Package session tracks who is adding markers and which language the UI uses.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
)

// Settings keys
const (
	KeyUser     = "empati_user"
	KeyLanguage = "empati_lang"
)

// DefaultLanguage is used until the user picks one
const DefaultLanguage = "tr"

// Languages lists the supported UI language codes
var Languages = []string{"tr", "en", "it", "fr", "de", "es", "pt", "ru", "jp", "ar"}

var (
	// ErrInvalidLanguage is returned for unsupported language codes
	ErrInvalidLanguage = errors.New("unsupported language")
	// ErrBlankName is returned when logging in with an empty display name
	ErrBlankName = errors.New("display name is blank")
)

// SettingsStore persists session settings as key/value pairs
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// ValidLanguage reports whether code is a supported language
func ValidLanguage(code string) bool {
	for _, l := range Languages {
		if l == code {
			return true
		}
	}
	return false
}

// Manager holds the active identity and language
type Manager struct {
	store  SettingsStore
	logger *logx.Logger

	mu       sync.RWMutex
	identity pkg.Identity
	active   bool
	language string
}

// NewManager creates a session manager backed by store
func NewManager(store SettingsStore, logger *logx.Logger) *Manager {
	return &Manager{
		store:    store,
		logger:   logger,
		language: DefaultLanguage,
	}
}

// Load restores the persisted session. Unknown languages fall back to the default.
func (m *Manager) Load(ctx context.Context) error {
	user, ok, err := m.store.GetSetting(ctx, KeyUser)
	if err != nil {
		return fmt.Errorf("loading %s: %w", KeyUser, err)
	}
	lang, langOK, err := m.store.GetSetting(ctx, KeyLanguage)
	if err != nil {
		return fmt.Errorf("loading %s: %w", KeyLanguage, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok && strings.TrimSpace(user) != "" {
		m.identity = pkg.DecodeIdentity(user)
		m.active = true
	}
	if langOK && ValidLanguage(lang) {
		m.language = lang
	} else if langOK {
		m.logger.Warn("ignoring stored language", "language", lang)
	}
	m.logger.Debug("session loaded", "active", m.active, "user", m.identity.String(), "language", m.language)
	return nil
}

// Login starts a session for identity
func (m *Manager) Login(ctx context.Context, identity pkg.Identity) error {
	if err := m.store.SetSetting(ctx, KeyUser, identity.Encode()); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	m.mu.Lock()
	m.identity = identity
	m.active = true
	m.mu.Unlock()

	m.logger.Info("session started", "user", identity.String())
	return nil
}

// LoginNamed starts a named session. Blank names are rejected; use
// Login(ctx, pkg.Anonymous()) for an anonymous session.
func (m *Manager) LoginNamed(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrBlankName
	}
	return m.Login(ctx, pkg.Named(name))
}

// Logout ends the session
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.DeleteSetting(ctx, KeyUser); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	m.mu.Lock()
	m.identity = pkg.Anonymous()
	m.active = false
	m.mu.Unlock()

	m.logger.Info("session ended")
	return nil
}

// Current returns the active identity and whether a session exists
func (m *Manager) Current() (pkg.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity, m.active
}

// Language returns the UI language code
func (m *Manager) Language() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.language
}

// SetLanguage changes and persists the UI language
func (m *Manager) SetLanguage(ctx context.Context, code string) error {
	code = strings.ToLower(strings.TrimSpace(code))
	if !ValidLanguage(code) {
		return fmt.Errorf("%w: %q", ErrInvalidLanguage, code)
	}
	if err := m.store.SetSetting(ctx, KeyLanguage, code); err != nil {
		return fmt.Errorf("saving language: %w", err)
	}

	m.mu.Lock()
	m.language = code
	m.mu.Unlock()
	return nil
}

// MemoryStore is a SettingsStore kept in memory
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory settings store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// GetSetting implements SettingsStore
func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// SetSetting implements SettingsStore
func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// DeleteSetting implements SettingsStore
func (s *MemoryStore) DeleteSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
