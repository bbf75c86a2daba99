// Package viewport decides where the map looks: it recenters on the user
// once, follows them on request and stops following when they pan away.
package viewport

import (
	"errors"
	"sync"

	"github.com/empati/empati/pkg"
)

// ErrNoPosition is returned by Locate before any position is known
var ErrNoPosition = errors.New("no position to locate")

// Point is a map coordinate
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// View is the map command emitted on every change
type View struct {
	Center    Point `json:"center"`
	Zoom      int   `json:"zoom"`
	Following bool  `json:"following"`
	Ready     bool  `json:"ready"` // false while waiting for the first position
}

// Config holds map defaults
type Config struct {
	DefaultCenter Point `json:"default_center"`
	DefaultZoom   int   `json:"default_zoom"`
	LocateZoom    int   `json:"locate_zoom"`
}

// DefaultConfig returns the Istanbul map defaults
func DefaultConfig() Config {
	return Config{
		DefaultCenter: Point{Latitude: 41.0082, Longitude: 28.9784},
		DefaultZoom:   17,
		LocateZoom:    18,
	}
}

// Controller tracks the follow state of the map
type Controller struct {
	config Config

	mu        sync.Mutex
	view      View
	position  *Point
	centered  bool
	listeners []func(View)
}

// NewController creates a controller showing the default center
func NewController(config Config) *Controller {
	return &Controller{
		config: config,
		view: View{
			Center: config.DefaultCenter,
			Zoom:   config.DefaultZoom,
		},
	}
}

// OnChange registers a listener for view commands
func (c *Controller) OnChange(fn func(View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// View returns the current view
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// OnPosition handles a fused position update. A nil position is ignored.
func (c *Controller) OnPosition(pos *pkg.FusedPosition) {
	if pos == nil {
		return
	}
	p := Point{Latitude: pos.Latitude, Longitude: pos.Longitude}

	c.mu.Lock()
	c.position = &p
	changed := false
	switch {
	case !c.centered:
		c.centered = true
		c.view = View{Center: p, Zoom: c.config.DefaultZoom, Following: true, Ready: true}
		changed = true
	case c.view.Following && c.view.Center != p:
		c.view.Center = p
		changed = true
	}
	view, listeners := c.view, c.listeners
	c.mu.Unlock()

	if changed {
		emit(view, listeners)
	}
}

// Locate centers on the user at the locate zoom and turns follow on
func (c *Controller) Locate() (View, error) {
	c.mu.Lock()
	if c.position == nil {
		c.mu.Unlock()
		return View{}, ErrNoPosition
	}
	c.view = View{Center: *c.position, Zoom: c.config.LocateZoom, Following: true, Ready: true}
	view, listeners := c.view, c.listeners
	c.mu.Unlock()

	emit(view, listeners)
	return view, nil
}

// Pan moves the map by user gesture and turns follow off. A zero zoom
// keeps the current one.
func (c *Controller) Pan(center Point, zoom int) View {
	c.mu.Lock()
	c.view.Center = center
	if zoom > 0 {
		c.view.Zoom = zoom
	}
	c.view.Following = false
	c.view.Ready = true
	view, listeners := c.view, c.listeners
	c.mu.Unlock()

	emit(view, listeners)
	return view
}

// ForceOpen shows the map before any position arrives
func (c *Controller) ForceOpen() View {
	c.mu.Lock()
	changed := !c.view.Ready
	c.view.Ready = true
	view, listeners := c.view, c.listeners
	c.mu.Unlock()

	if changed {
		emit(view, listeners)
	}
	return view
}

func emit(view View, listeners []func(View)) {
	for _, fn := range listeners {
		fn(view)
	}
}
