package proximity

import (
	"time"

	"github.com/empati/empati/pkg"
)

// MarkerSource supplies the live marker set
type MarkerSource interface {
	Markers() []pkg.Marker
}

// PositionSource supplies the fused position and availability
type PositionSource interface {
	Location() (*pkg.FusedPosition, pkg.Availability)
}

// Classifier recomputes statistics on every read from its sources. Locale
// never affects the numbers, so it is not an input here.
type Classifier struct {
	config   Config
	markers  MarkerSource
	position PositionSource
	now      func() time.Time
}

// NewClassifier creates a classifier over the given sources
func NewClassifier(config Config, markers MarkerSource, position PositionSource) *Classifier {
	return &Classifier{
		config:   config,
		markers:  markers,
		position: position,
		now:      time.Now,
	}
}

// WithClock overrides the time source
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Config returns the classifier policy
func (c *Classifier) Config() Config {
	return c.config
}

// Stats computes proximity statistics for the current inputs
func (c *Classifier) Stats() pkg.ProximityStats {
	pos, availability := c.position.Location()
	return ComputeStats(c.config, c.markers.Markers(), pos, availability, c.now())
}

// Annotations returns the live markers decorated for the map surface
func (c *Classifier) Annotations() []Annotation {
	pos, _ := c.position.Location()
	return Annotate(c.config, c.markers.Markers(), pos, c.now())
}
