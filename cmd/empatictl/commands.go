package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/api"
	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/proximity"
	"github.com/empati/empati/pkg/viewport"
)

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show nearby marker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/stats")
		if err != nil {
			return err
		}
		var stats pkg.ProximityStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), stats, time.Now())
		return nil
	},
}

func printStats(w io.Writer, s pkg.ProximityStats, now time.Time) {
	printStatus(w, "Location", "%s", s.Availability)
	printStatus(w, "Nearby", "%d (fresh %d, stale %d)", s.NearbyCount, s.FreshCount, s.StaleCount)
	if s.MostRecent == nil {
		printStatus(w, "Last added", "none")
		return
	}
	printStatus(w, "Last added", "%s by %s, %s ago",
		s.MostRecent.Kind, s.MostRecent.AddedBy, s.MostRecent.Age(now).Truncate(time.Minute))
}

// --- markers ---

var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "List or add map markers",
}

var markersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live markers, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/markers")
		if err != nil {
			return err
		}
		var body struct {
			Markers []proximity.Annotation `json:"markers"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		printMarkers(cmd.OutOrStdout(), body.Markers, time.Now())
		return nil
	},
}

func printMarkers(w io.Writer, markers []proximity.Annotation, now time.Time) {
	if len(markers) == 0 {
		fmt.Fprintln(w, "no markers")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAGE\tTIER\tDISTANCE\tBY")
	for _, a := range markers {
		dist := "-"
		if a.DistanceM != nil {
			dist = fmt.Sprintf("%.0fm", *a.DistanceM)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Marker.ID,
			a.Marker.Kind,
			a.Marker.Age(now).Truncate(time.Minute),
			colorize(tierColor(string(a.Tier)), string(a.Tier)),
			dist,
			a.Marker.AddedBy,
		)
	}
	tw.Flush()
}

var (
	addLat  float64
	addLng  float64
	addKind string
)

var markersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a marker at a coordinate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := pkg.ParseKind(addKind); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/markers", api.CreateMarkerRequest{
			Latitude:  addLat,
			Longitude: addLng,
			Kind:      addKind,
		})
		if err != nil {
			return err
		}
		var m pkg.Marker
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		printSuccess("added %s marker %s", m.Kind, m.ID)
		return nil
	},
}

// --- location ---

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Inspect or feed the location tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/location")
		if err != nil {
			return err
		}
		var snap gps.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printStatus(out, "Status", "%s", snap.Availability)
		if snap.Position != nil {
			printStatus(out, "Position", "%.6f, %.6f (±%.0fm, %s)",
				snap.Position.Latitude, snap.Position.Longitude, snap.Position.AccuracyM, snap.Position.Quality)
		}
		return nil
	},
}

var (
	fixLat      float64
	fixLng      float64
	fixAccuracy float64
)

var locationPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a raw fix into the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAccepted(cmd.Context(), "/api/location/fixes", api.FixRequest{
			Latitude:  fixLat,
			Longitude: fixLng,
			AccuracyM: fixAccuracy,
		}, "fix queued")
	},
}

var locationErrorCmd = &cobra.Command{
	Use:       "error <permission_denied|timeout|code>",
	Short:     "Report a location device error",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{gps.CodePermissionDenied, gps.CodeTimeout},
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAccepted(cmd.Context(), "/api/location/errors", api.ErrorRequest{Code: args[0]}, "error reported")
	},
}

var locationResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Retry location after a denial or device error",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAccepted(cmd.Context(), "/api/location/reset", nil, "location reset")
	},
}

func postAccepted(ctx context.Context, path string, body any, msg string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, body)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("%s", msg)
	return nil
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Center the map on the current position",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/viewport/locate", nil)
		if err != nil {
			return err
		}
		var view viewport.View
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "View", "%.6f, %.6f zoom %d", view.Center.Latitude, view.Center.Longitude, view.Zoom)
		return nil
	},
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or change the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/session")
		if err != nil {
			return err
		}
		var s api.SessionResponse
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), s)
		return nil
	},
}

func printSession(w io.Writer, s api.SessionResponse) {
	switch {
	case !s.Active:
		printStatus(w, "Session", "logged out")
	case s.Anonymous:
		printStatus(w, "Session", "anonymous")
	default:
		printStatus(w, "Session", "%s", s.User)
	}
	printStatus(w, "Language", "%s", s.Language)
}

var loginAnonymous bool

var sessionLoginCmd = &cobra.Command{
	Use:   "login [name]",
	Short: "Log in with a display name or anonymously",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.LoginRequest{Anonymous: loginAnonymous}
		if len(args) == 1 {
			req.Name = args[0]
		}
		if !req.Anonymous && req.Name == "" {
			return fmt.Errorf("a name is required unless --anonymous is set")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/session", req)
		if err != nil {
			return err
		}
		var s api.SessionResponse
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		if s.Anonymous {
			printSuccess("logged in anonymously")
		} else {
			printSuccess("logged in as %s", s.User)
		}
		return nil
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/session")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("logged out")
		return nil
	},
}

var langCmd = &cobra.Command{
	Use:   "lang <code>",
	Short: "Set the interface language",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/api/settings/language", api.LanguageRequest{Language: args[0]})
		if err != nil {
			return err
		}
		var s api.SessionResponse
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("language set to %s", s.Language)
		return nil
	},
}

func init() {
	markersAddCmd.Flags().Float64Var(&addLat, "lat", 0, "latitude")
	markersAddCmd.Flags().Float64Var(&addLng, "lng", 0, "longitude")
	markersAddCmd.Flags().StringVar(&addKind, "type", string(pkg.KindBoth), "marker type: cat, dog or both")
	markersAddCmd.MarkFlagRequired("lat")
	markersAddCmd.MarkFlagRequired("lng")
	markersCmd.AddCommand(markersListCmd, markersAddCmd)

	locationPushCmd.Flags().Float64Var(&fixLat, "lat", 0, "latitude")
	locationPushCmd.Flags().Float64Var(&fixLng, "lng", 0, "longitude")
	locationPushCmd.Flags().Float64Var(&fixAccuracy, "accuracy", 10, "accuracy radius in meters")
	locationPushCmd.MarkFlagRequired("lat")
	locationPushCmd.MarkFlagRequired("lng")
	locationCmd.AddCommand(locationPushCmd, locationErrorCmd, locationResetCmd, locateCmd)

	sessionLoginCmd.Flags().BoolVar(&loginAnonymous, "anonymous", false, "log in without a display name")
	sessionCmd.AddCommand(sessionLoginCmd, sessionLogoutCmd)
}
