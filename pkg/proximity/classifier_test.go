package proximity

import (
	"testing"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/geo"
)

const (
	baseLat = 41.0082
	baseLng = 28.9784
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func markerAt(id string, metersNorth float64, age time.Duration) pkg.Marker {
	return pkg.Marker{
		ID:        id,
		Latitude:  geo.OffsetNorth(baseLat, metersNorth),
		Longitude: baseLng,
		AddedBy:   pkg.Named("ayse"),
		CreatedAt: testNow.Add(-age).UnixMilli(),
		Kind:      pkg.KindCat,
	}
}

func here() *pkg.FusedPosition {
	return &pkg.FusedPosition{Latitude: baseLat, Longitude: baseLng, AccuracyM: 10, Quality: pkg.QualityPrecise}
}

func TestFreshnessBoundary(t *testing.T) {
	c := DefaultConfig()
	tests := []struct {
		age  time.Duration
		want bool
	}{
		{0, true},
		{7*time.Hour + 59*time.Minute, true},
		{8 * time.Hour, false},
		{8*time.Hour + time.Minute, false},
	}

	for _, tt := range tests {
		m := markerAt("m", 0, tt.age)
		if got := c.IsFresh(m, testNow); got != tt.want {
			t.Errorf("age %v: IsFresh = %v; want %v", tt.age, got, tt.want)
		}
	}
}

func TestProximityBoundary(t *testing.T) {
	pos := here()
	m := markerAt("edge", 9000, time.Hour)
	d := geo.Distance(pos.Latitude, pos.Longitude, m.Latitude, m.Longitude)

	c := DefaultConfig()
	c.NearbyRadiusM = d
	if !c.IsNearby(m, pos) {
		t.Error("marker at exactly the radius should be nearby")
	}

	c.NearbyRadiusM = d - 0.01
	if c.IsNearby(m, pos) {
		t.Error("marker just beyond the radius should not be nearby")
	}

	far := markerAt("far", 10001, time.Hour)
	if DefaultConfig().IsNearby(far, pos) {
		t.Error("marker 10001 m away should not be nearby with the default radius")
	}
}

func TestComputeStatsWithoutPosition(t *testing.T) {
	markers := []pkg.Marker{
		markerAt("a", 0, time.Hour),
		markerAt("b", 500000, 2*time.Hour),
		markerAt("c", 900000, 20*time.Hour),
	}

	stats := ComputeStats(DefaultConfig(), markers, nil, pkg.AvailabilityPermissionDenied, testNow)
	if stats.NearbyCount != 3 {
		t.Errorf("nearby = %d; want all 3 markers", stats.NearbyCount)
	}
	if stats.FreshCount != 2 || stats.StaleCount != 1 {
		t.Errorf("fresh/stale = %d/%d; want 2/1", stats.FreshCount, stats.StaleCount)
	}
	if stats.LocationAvailable {
		t.Error("location should be unavailable when permission is denied")
	}
	if stats.Availability != pkg.AvailabilityPermissionDenied {
		t.Errorf("availability = %v", stats.Availability)
	}
}

func TestComputeStatsScenarios(t *testing.T) {
	a := markerAt("a", 500, time.Hour)
	b := markerAt("b", 50000, 9*time.Hour)

	t.Run("one fresh nearby, one far stale", func(t *testing.T) {
		stats := ComputeStats(DefaultConfig(), []pkg.Marker{a, b}, here(), pkg.AvailabilityAvailable, testNow)
		if stats.NearbyCount != 1 || stats.FreshCount != 1 || stats.StaleCount != 0 {
			t.Errorf("got nearby=%d fresh=%d stale=%d; want 1/1/0", stats.NearbyCount, stats.FreshCount, stats.StaleCount)
		}
		if stats.MostRecent == nil || stats.MostRecent.ID != "a" {
			t.Errorf("most recent = %+v; want a", stats.MostRecent)
		}
		if !stats.LocationAvailable {
			t.Error("location should be available")
		}
	})

	t.Run("stale nearby marker added", func(t *testing.T) {
		c := markerAt("c", 2000, 10*time.Hour)
		stats := ComputeStats(DefaultConfig(), []pkg.Marker{a, b, c}, here(), pkg.AvailabilityAvailable, testNow)
		if stats.NearbyCount != 2 || stats.FreshCount != 1 || stats.StaleCount != 1 {
			t.Errorf("got nearby=%d fresh=%d stale=%d; want 2/1/1", stats.NearbyCount, stats.FreshCount, stats.StaleCount)
		}
		if stats.MostRecent == nil || stats.MostRecent.ID != "a" {
			t.Errorf("most recent = %+v; want a", stats.MostRecent)
		}
	})
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(DefaultConfig(), nil, here(), pkg.AvailabilitySearching, testNow)
	if stats.NearbyCount != 0 || stats.FreshCount != 0 || stats.StaleCount != 0 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if stats.MostRecent != nil {
		t.Error("most recent should be absent for an empty set")
	}
	if !stats.LocationAvailable {
		t.Error("searching still counts as location available")
	}
}

func TestMostRecentConsidersFarMarkers(t *testing.T) {
	near := markerAt("near", 100, 3*time.Hour)
	far := markerAt("far", 80000, time.Minute)

	stats := ComputeStats(DefaultConfig(), []pkg.Marker{near, far}, here(), pkg.AvailabilityAvailable, testNow)
	if stats.MostRecent == nil || stats.MostRecent.ID != "far" {
		t.Errorf("most recent = %+v; want far", stats.MostRecent)
	}
}

func TestMostRecentTieBreak(t *testing.T) {
	x := markerAt("x", 0, time.Hour)
	y := markerAt("b", 0, time.Hour)
	z := markerAt("m", 0, time.Hour)

	got, ok := MostRecent([]pkg.Marker{x, y, z})
	if !ok {
		t.Fatal("expected a result")
	}
	if got.ID != "b" {
		t.Errorf("tie resolved to %q; want smallest id b", got.ID)
	}
}

func TestTier(t *testing.T) {
	c := DefaultConfig()
	tests := []struct {
		age  time.Duration
		want Tier
	}{
		{time.Minute, TierGreen},
		{8 * time.Hour, TierYellow},
		{15 * time.Hour, TierYellow},
		{16 * time.Hour, TierRed},
		{23 * time.Hour, TierRed},
	}

	for _, tt := range tests {
		if got := c.Tier(markerAt("m", 0, tt.age), testNow); got != tt.want {
			t.Errorf("age %v: tier = %v; want %v", tt.age, got, tt.want)
		}
	}
}

func TestAnnotate(t *testing.T) {
	markers := []pkg.Marker{
		markerAt("old", 200, 12*time.Hour),
		markerAt("new", 20000, time.Hour),
	}

	got := Annotate(DefaultConfig(), markers, here(), testNow)
	if len(got) != 2 {
		t.Fatalf("got %d annotations", len(got))
	}
	if got[0].Marker.ID != "new" {
		t.Errorf("first annotation = %q; want newest first", got[0].Marker.ID)
	}
	if got[0].Nearby || !got[1].Nearby {
		t.Errorf("nearby flags = %v/%v; want false/true", got[0].Nearby, got[1].Nearby)
	}
	if got[1].Tier != TierYellow {
		t.Errorf("old marker tier = %v; want yellow", got[1].Tier)
	}
	if got[1].DistanceM == nil || *got[1].DistanceM < 199 || *got[1].DistanceM > 201 {
		t.Errorf("distance = %v; want about 200 m", got[1].DistanceM)
	}

	noPos := Annotate(DefaultConfig(), markers, nil, testNow)
	for _, a := range noPos {
		if a.DistanceM != nil || !a.Nearby {
			t.Errorf("without a position: %+v", a)
		}
	}
}

type staticMarkers []pkg.Marker

func (s staticMarkers) Markers() []pkg.Marker { return s }

type staticPosition struct {
	pos          *pkg.FusedPosition
	availability pkg.Availability
}

func (s staticPosition) Location() (*pkg.FusedPosition, pkg.Availability) {
	return s.pos, s.availability
}

func TestClassifierRecomputesOnRead(t *testing.T) {
	markers := staticMarkers{markerAt("a", 100, 7*time.Hour)}
	cl := NewClassifier(DefaultConfig(), markers, staticPosition{here(), pkg.AvailabilityAvailable})

	now := testNow
	cl.WithClock(func() time.Time { return now })
	if got := cl.Stats().FreshCount; got != 1 {
		t.Fatalf("fresh = %d; want 1", got)
	}

	now = testNow.Add(2 * time.Hour)
	stats := cl.Stats()
	if stats.FreshCount != 0 || stats.StaleCount != 1 {
		t.Errorf("after aging: fresh=%d stale=%d; want 0/1", stats.FreshCount, stats.StaleCount)
	}
}
