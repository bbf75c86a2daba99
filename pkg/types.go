package pkg

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawFix is a single reading delivered by a location source
type RawFix struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy"`
	ObservedAt time.Time `json:"observed_at"`
}

// FusedPosition is the current best estimate produced by the fusion filter
type FusedPosition struct {
	Latitude  float64     `json:"lat"`
	Longitude float64     `json:"lng"`
	AccuracyM float64     `json:"accuracy"`
	Quality   QualityTier `json:"quality"`
}

// QualityTier is a coarse classification of a fused position
type QualityTier string

// Quality tiers
const (
	QualityPrecise     QualityTier = "precise"
	QualityApproximate QualityTier = "approximate"
)

// Availability is the process-wide location status
type Availability string

// Location availability states
const (
	AvailabilitySearching        Availability = "searching"
	AvailabilityAvailable        Availability = "available"
	AvailabilityPermissionDenied Availability = "denied"
	AvailabilityDeviceError      Availability = "error"
)

// Usable reports whether location can still be expected from the device.
func (a Availability) Usable() bool {
	return a != AvailabilityPermissionDenied && a != AvailabilityDeviceError
}

// Kind is the animal a feeding marker is meant for
type Kind string

// Marker kinds
const (
	KindCat  Kind = "cat"
	KindDog  Kind = "dog"
	KindBoth Kind = "both"
)

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCat, KindDog, KindBoth:
		return k, nil
	default:
		return "", fmt.Errorf("unknown marker kind %q", s)
	}
}

// AnonymousSentinel is how anonymous authors are encoded on the wire and in storage.
const AnonymousSentinel = "@@ANONYMOUS@@"

// Identity is either a named user or the anonymous user.
// The zero value is Anonymous.
type Identity struct {
	name string
}

// Named returns a named identity. Blank names yield Anonymous.
func Named(name string) Identity {
	return Identity{name: strings.TrimSpace(name)}
}

// Anonymous returns the anonymous identity
func Anonymous() Identity {
	return Identity{}
}

// IsAnonymous reports whether the identity carries no display name
func (i Identity) IsAnonymous() bool {
	return i.name == ""
}

// Name returns the display name and whether one is present
func (i Identity) Name() (string, bool) {
	return i.name, i.name != ""
}

// Encode returns the wire/storage representation
func (i Identity) Encode() string {
	if i.IsAnonymous() {
		return AnonymousSentinel
	}
	return i.name
}

// DecodeIdentity parses a wire/storage representation
func DecodeIdentity(s string) Identity {
	if s == AnonymousSentinel {
		return Anonymous()
	}
	return Named(s)
}

func (i Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return i.name
}

// MarshalJSON implements json.Marshaler
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Encode())
}

// UnmarshalJSON implements json.Unmarshaler
func (i *Identity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*i = DecodeIdentity(s)
	return nil
}

// Marker is a persisted feeding report. Markers are immutable after creation.
type Marker struct {
	ID        string   `json:"id"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lng"`
	AddedBy   Identity `json:"addedBy"`
	CreatedAt int64    `json:"timestamp"` // epoch milliseconds, stamped by the producer
	Kind      Kind     `json:"type"`
}

// Created returns CreatedAt as a time.Time
func (m Marker) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Age returns how long ago the marker was created relative to now
func (m Marker) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-m.CreatedAt) * time.Millisecond
}

// ProximityStats is derived from the marker set, the fused position and the clock
type ProximityStats struct {
	NearbyCount       int          `json:"nearbyCount"`
	FreshCount        int          `json:"freshCount"`
	StaleCount        int          `json:"staleCount"`
	MostRecent        *Marker      `json:"lastAdded,omitempty"`
	LocationAvailable bool         `json:"isLocationEnabled"`
	Availability      Availability `json:"locationStatus"`
}
