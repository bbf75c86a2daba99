package markers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/empati/empati/pkg"
)

type fakeSession struct {
	identity pkg.Identity
	active   bool
}

func (s fakeSession) Current() (pkg.Identity, bool) { return s.identity, s.active }

func TestCreatorStampsMarker(t *testing.T) {
	a := NewAdapter(nil, DefaultRetention, testLogger(), nil).WithClock(func() time.Time { return testNow })
	c := NewCreator(a, fakeSession{pkg.Named("Zeynep"), true}, testLogger(), nil).
		WithClock(func() time.Time { return testNow })

	m, err := c.Create(context.Background(), 41.01, 28.97, pkg.KindBoth)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.ID == "" {
		t.Error("marker id not assigned")
	}
	if m.CreatedAt != testNow.UnixMilli() {
		t.Errorf("createdAt = %d; want %d", m.CreatedAt, testNow.UnixMilli())
	}
	if name, _ := m.AddedBy.Name(); name != "Zeynep" {
		t.Errorf("author = %v", m.AddedBy)
	}
	if m.Kind != pkg.KindBoth {
		t.Errorf("kind = %v", m.Kind)
	}

	live := a.Markers()
	if len(live) != 1 || live[0].ID != m.ID {
		t.Errorf("live markers = %v", ids(live))
	}
}

func TestCreatorAnonymousSession(t *testing.T) {
	a := NewAdapter(nil, DefaultRetention, testLogger(), nil)
	c := NewCreator(a, fakeSession{pkg.Anonymous(), true}, testLogger(), nil)

	m, err := c.Create(context.Background(), 41, 29, pkg.KindCat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.AddedBy.IsAnonymous() {
		t.Errorf("author = %v; want anonymous", m.AddedBy)
	}
}

func TestCreatorRequiresSession(t *testing.T) {
	a := NewAdapter(nil, DefaultRetention, testLogger(), nil)
	c := NewCreator(a, fakeSession{}, testLogger(), nil)

	if _, err := c.Create(context.Background(), 41, 29, pkg.KindCat); !errors.Is(err, ErrNoSession) {
		t.Errorf("error = %v; want ErrNoSession", err)
	}
	if len(a.Markers()) != 0 {
		t.Error("marker created without a session")
	}
}

func TestCreatorDropsFailedWrite(t *testing.T) {
	store := &fakeStore{createErr: errors.New("network down")}
	a := NewAdapter(store, DefaultRetention, testLogger(), nil)
	c := NewCreator(a, fakeSession{pkg.Named("Ali"), true}, testLogger(), nil)

	if _, err := c.Create(context.Background(), 41, 29, pkg.KindDog); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("error = %v; want ErrWriteFailed", err)
	}
	if len(a.Markers()) != 0 {
		t.Error("failed write must not be added")
	}
}

func TestCreatorUniqueIDs(t *testing.T) {
	a := NewAdapter(nil, DefaultRetention, testLogger(), nil)
	c := NewCreator(a, fakeSession{pkg.Anonymous(), true}, testLogger(), nil)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		m, err := c.Create(context.Background(), 41, 29, pkg.KindCat)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
	if len(a.Markers()) != 50 {
		t.Errorf("live = %d; want 50", len(a.Markers()))
	}
}
