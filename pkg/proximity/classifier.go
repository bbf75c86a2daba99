// Package proximity classifies markers by distance from the user and by age.
// Everything here is a pure function of its inputs and safe for concurrent use.
package proximity

import (
	"sort"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/geo"
)

// Config holds the freshness and proximity policy knobs
type Config struct {
	NearbyRadiusM float64       `json:"nearby_radius_m"`
	FreshWindow   time.Duration `json:"fresh_window"` // younger markers are fresh
	AgingWindow   time.Duration `json:"aging_window"` // younger non-fresh markers are aging
}

// DefaultConfig returns default classifier configuration
func DefaultConfig() Config {
	return Config{
		NearbyRadiusM: 10000,
		FreshWindow:   8 * time.Hour,
		AgingWindow:   16 * time.Hour,
	}
}

// Tier is the color band a marker is drawn with
type Tier string

// Marker tiers
const (
	TierGreen  Tier = "green"
	TierYellow Tier = "yellow"
	TierRed    Tier = "red"
)

// IsFresh reports whether a marker is younger than the fresh window.
// A marker exactly FreshWindow old is stale.
func (c Config) IsFresh(m pkg.Marker, now time.Time) bool {
	return m.Age(now) < c.FreshWindow
}

// IsNearby reports whether a marker lies within the nearby radius of the
// position. The radius is inclusive. Without a position every marker is nearby.
func (c Config) IsNearby(m pkg.Marker, position *pkg.FusedPosition) bool {
	if position == nil {
		return true
	}
	return geo.Distance(position.Latitude, position.Longitude, m.Latitude, m.Longitude) <= c.NearbyRadiusM
}

// Tier returns the color band for a marker
func (c Config) Tier(m pkg.Marker, now time.Time) Tier {
	age := m.Age(now)
	switch {
	case age < c.FreshWindow:
		return TierGreen
	case age < c.AgingWindow:
		return TierYellow
	default:
		return TierRed
	}
}

// ComputeStats derives proximity statistics for the marker set
func ComputeStats(c Config, markers []pkg.Marker, position *pkg.FusedPosition, availability pkg.Availability, now time.Time) pkg.ProximityStats {
	stats := pkg.ProximityStats{
		LocationAvailable: availability.Usable(),
		Availability:      availability,
	}

	for _, m := range markers {
		if !c.IsNearby(m, position) {
			continue
		}
		stats.NearbyCount++
		if c.IsFresh(m, now) {
			stats.FreshCount++
		}
	}
	stats.StaleCount = stats.NearbyCount - stats.FreshCount

	if recent, ok := MostRecent(markers); ok {
		stats.MostRecent = &recent
	}
	return stats
}

// MostRecent returns the marker with the latest CreatedAt across the whole
// set. Ties resolve to the smallest id.
func MostRecent(markers []pkg.Marker) (pkg.Marker, bool) {
	if len(markers) == 0 {
		return pkg.Marker{}, false
	}
	best := markers[0]
	for _, m := range markers[1:] {
		if m.CreatedAt > best.CreatedAt || (m.CreatedAt == best.CreatedAt && m.ID < best.ID) {
			best = m
		}
	}
	return best, true
}

// Annotation is a marker prepared for the map surface
type Annotation struct {
	Marker    pkg.Marker `json:"marker"`
	Tier      Tier       `json:"tier"`
	DistanceM *float64   `json:"distance_m,omitempty"`
	Nearby    bool       `json:"nearby"`
}

// Annotate decorates markers with tier and distance, newest first
func Annotate(c Config, markers []pkg.Marker, position *pkg.FusedPosition, now time.Time) []Annotation {
	out := make([]Annotation, 0, len(markers))
	for _, m := range markers {
		a := Annotation{
			Marker: m,
			Tier:   c.Tier(m, now),
			Nearby: c.IsNearby(m, position),
		}
		if position != nil {
			d := geo.Distance(position.Latitude, position.Longitude, m.Latitude, m.Longitude)
			a.DistanceM = &d
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Marker.CreatedAt != out[j].Marker.CreatedAt {
			return out[i].Marker.CreatedAt > out[j].Marker.CreatedAt
		}
		return out[i].Marker.ID < out[j].Marker.ID
	})
	return out
}
