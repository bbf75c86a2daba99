package health

import (
	"context"
	"fmt"
	"time"

	"github.com/empati/empati/pkg"
)

// PositionSource supplies the fused position and availability
type PositionSource interface {
	Location() (*pkg.FusedPosition, pkg.Availability)
}

// LocationCheck reports the location fusion state. Denied or failing
// location degrades the service; it never makes it unhealthy.
func LocationCheck(src PositionSource) Checker {
	return func(ctx context.Context) Component {
		pos, availability := src.Location()
		switch {
		case !availability.Usable():
			return Component{Status: StatusDegraded, Message: fmt.Sprintf("location %s", availability)}
		case pos == nil:
			return Component{Status: StatusHealthy, Message: "searching for location"}
		default:
			return Component{Status: StatusHealthy, Message: fmt.Sprintf("%s fix, accuracy %.0f m", pos.Quality, pos.AccuracyM)}
		}
	}
}

// MarkerCheck reports the marker subscription
func MarkerCheck(src MarkerStatus) Checker {
	return func(ctx context.Context) Component {
		st := src.Status()
		switch {
		case !st.Started:
			return Component{Status: StatusUnhealthy, Message: fmt.Sprintf("%s subscription not started", st.Store)}
		case st.LastError != "":
			return Component{Status: StatusDegraded, Message: fmt.Sprintf("%s store error: %s", st.Store, st.LastError)}
		default:
			return Component{Status: StatusHealthy, Message: fmt.Sprintf("%d live markers from %s", st.Count, st.Store)}
		}
	}
}

// PingCheck probes a dependency with a short timeout
func PingCheck(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Component {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Component{Status: StatusUnhealthy, Message: fmt.Sprintf("%s unreachable: %v", name, err)}
		}
		return Component{Status: StatusHealthy, Message: fmt.Sprintf("%s reachable", name)}
	}
}
