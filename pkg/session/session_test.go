package session

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
)

func newManager(store SettingsStore) *Manager {
	return NewManager(store, logx.NewWithWriter("error", io.Discard))
}

func TestManagerDefaults(t *testing.T) {
	m := newManager(NewMemoryStore())
	if _, ok := m.Current(); ok {
		t.Error("new manager should have no session")
	}
	if m.Language() != "tr" {
		t.Errorf("language = %q; want tr", m.Language())
	}
}

func TestManagerLoginLogout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newManager(store)

	if err := m.LoginNamed(ctx, "  Elif  "); err != nil {
		t.Fatalf("LoginNamed: %v", err)
	}
	id, ok := m.Current()
	if !ok {
		t.Fatal("expected active session")
	}
	if name, _ := id.Name(); name != "Elif" {
		t.Errorf("name = %q; want trimmed Elif", name)
	}
	if v, _, _ := store.GetSetting(ctx, KeyUser); v != "Elif" {
		t.Errorf("stored user = %q", v)
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("session still active after logout")
	}
	if _, found, _ := store.GetSetting(ctx, KeyUser); found {
		t.Error("user setting not cleared")
	}
}

func TestManagerRejectsBlankName(t *testing.T) {
	m := newManager(NewMemoryStore())
	if err := m.LoginNamed(context.Background(), "   "); !errors.Is(err, ErrBlankName) {
		t.Errorf("error = %v; want ErrBlankName", err)
	}
}

func TestManagerAnonymousRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := newManager(store).Login(ctx, pkg.Anonymous()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if v, _, _ := store.GetSetting(ctx, KeyUser); v != pkg.AnonymousSentinel {
		t.Errorf("stored user = %q; want sentinel", v)
	}

	restored := newManager(store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	id, ok := restored.Current()
	if !ok || !id.IsAnonymous() {
		t.Errorf("restored session = %v, %v; want anonymous", id, ok)
	}
}

func TestManagerLanguage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newManager(store)

	if err := m.SetLanguage(ctx, "EN"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if m.Language() != "en" {
		t.Errorf("language = %q; want en", m.Language())
	}
	if err := m.SetLanguage(ctx, "xx"); !errors.Is(err, ErrInvalidLanguage) {
		t.Errorf("error = %v; want ErrInvalidLanguage", err)
	}
	if m.Language() != "en" {
		t.Errorf("language changed to %q after invalid code", m.Language())
	}

	restored := newManager(store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Language() != "en" {
		t.Errorf("restored language = %q; want en", restored.Language())
	}
}

func TestManagerLoadIgnoresUnknownLanguage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SetSetting(ctx, KeyLanguage, "klingon")

	m := newManager(store)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Language() != DefaultLanguage {
		t.Errorf("language = %q; want default", m.Language())
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) SetSetting(ctx context.Context, key, value string) error {
	return errors.New("disk full")
}

func TestManagerLoginPersistFailure(t *testing.T) {
	m := newManager(failingStore{NewMemoryStore()})
	if err := m.LoginNamed(context.Background(), "Can"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := m.Current(); ok {
		t.Error("session must not start when it cannot be saved")
	}
}
