package markers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/metrics"
)

// SessionSource reports the identity of the active session, if any
type SessionSource interface {
	Current() (pkg.Identity, bool)
}

// Creator turns a map activation into a new marker
type Creator struct {
	adapter *Adapter
	session SessionSource
	logger  *logx.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewCreator creates a marker creator
func NewCreator(adapter *Adapter, session SessionSource, logger *logx.Logger, m *metrics.Collector) *Creator {
	return &Creator{
		adapter: adapter,
		session: session,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the time source
func (c *Creator) WithClock(now func() time.Time) *Creator {
	c.now = now
	return c
}

// Create builds a marker at the given coordinate authored by the current
// session and writes it. Failed writes are dropped, never retried.
func (c *Creator) Create(ctx context.Context, lat, lng float64, kind pkg.Kind) (pkg.Marker, error) {
	author, ok := c.session.Current()
	if !ok {
		c.metrics.RecordCreation("no_session")
		return pkg.Marker{}, ErrNoSession
	}

	m := pkg.Marker{
		ID:        uuid.NewString(),
		Latitude:  lat,
		Longitude: lng,
		AddedBy:   author,
		CreatedAt: c.now().UnixMilli(),
		Kind:      kind,
	}

	if err := c.adapter.Add(ctx, m); err != nil {
		c.metrics.RecordCreation("failed")
		c.logger.Error("marker write dropped",
			"store", c.adapter.StoreName(),
			"id", m.ID,
			"error", err,
		)
		return pkg.Marker{}, err
	}

	c.metrics.RecordCreation("created")
	c.logger.Info("marker created",
		"id", m.ID,
		"kind", m.Kind,
		"by", m.AddedBy.String(),
	)
	return m, nil
}
