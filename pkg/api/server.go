// Package api exposes the location and marker engine over HTTP for the map
// view and for location providers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/audit"
	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/health"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/markers"
	"github.com/empati/empati/pkg/proximity"
	"github.com/empati/empati/pkg/session"
	"github.com/empati/empati/pkg/viewport"
)

const maxBodySize = 64 << 10

// Deps are the components served by the API
type Deps struct {
	Tracker    *gps.Tracker
	Source     *gps.PushSource
	Creator    *markers.Creator
	Classifier *proximity.Classifier
	Session    *session.Manager
	Viewport   *viewport.Controller
	Health     *health.Server // optional
	Audit      *audit.Journal // optional
	Logger     *logx.Logger
}

// NewHandler builds the HTTP router
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	if deps.Health != nil {
		deps.Health.Register(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", handleStats(deps))
		r.Get("/markers", handleListMarkers(deps))
		r.Post("/markers", handleCreateMarker(deps))

		r.Get("/location", handleGetLocation(deps))
		r.Post("/location/fixes", handlePushFix(deps))
		r.Post("/location/errors", handlePushError(deps))
		r.Post("/location/reset", handleResetLocation(deps))

		r.Get("/viewport", handleGetViewport(deps))
		r.Post("/viewport/pan", handlePan(deps))
		r.Post("/viewport/locate", handleLocate(deps))
		r.Post("/viewport/open", handleOpen(deps))

		r.Get("/session", handleGetSession(deps))
		r.Post("/session", handleLogin(deps))
		r.Delete("/session", handleLogout(deps))
		r.Put("/settings/language", handleSetLanguage(deps))

		r.Get("/activity", handleActivity(deps))
	})

	return r
}

func requestLogger(logger *logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func validCoordinate(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return errors.New("lat must be between -90 and 90")
	}
	if lng < -180 || lng > 180 {
		return errors.New("lng must be between -180 and 180")
	}
	return nil
}

// handleStats returns the proximity statistics
func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Classifier.Stats())
	}
}

func handleListMarkers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"markers": deps.Classifier.Annotations(),
		})
	}
}

// CreateMarkerRequest is sent when the user double activates a map point
type CreateMarkerRequest struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Kind      string  `json:"type"`
}

func handleCreateMarker(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateMarkerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validCoordinate(req.Latitude, req.Longitude); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		kind, err := pkg.ParseKind(req.Kind)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		m, err := deps.Creator.Create(r.Context(), req.Latitude, req.Longitude, kind)
		recordMarker(deps, kind, m, err)
		switch {
		case errors.Is(err, markers.ErrNoSession):
			httpError(w, http.StatusUnauthorized, "authentication_error", "log in before adding markers")
		case errors.Is(err, markers.ErrWriteFailed):
			httpError(w, http.StatusBadGateway, "store_error", "marker could not be saved")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		default:
			writeJSON(w, http.StatusCreated, m)
		}
	}
}

func handleGetLocation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Tracker.Snapshot())
	}
}

// FixRequest is a raw fix posted by a location provider
type FixRequest struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy"`
}

func handlePushFix(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FixRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validCoordinate(req.Latitude, req.Longitude); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.AccuracyM < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "accuracy must not be negative")
			return
		}

		deps.Source.Push(pkg.RawFix{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			AccuracyM: req.AccuracyM,
		})
		w.WriteHeader(http.StatusAccepted)
	}
}

// ErrorRequest reports a watcher failure from a location provider
type ErrorRequest struct {
	Code string `json:"error"`
}

func handlePushError(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ErrorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Code == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "error is required")
			return
		}
		deps.Source.Fail(gps.ParseWatchError(req.Code))
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleResetLocation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Tracker.Reset()
		writeJSON(w, http.StatusOK, deps.Tracker.Snapshot())
	}
}

func handleGetViewport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Viewport.View())
	}
}

// PanRequest moves the map by user gesture
type PanRequest struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Zoom      int     `json:"zoom"`
}

func handlePan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PanRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validCoordinate(req.Latitude, req.Longitude); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		view := deps.Viewport.Pan(viewport.Point{Latitude: req.Latitude, Longitude: req.Longitude}, req.Zoom)
		writeJSON(w, http.StatusOK, view)
	}
}

func handleLocate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Viewport.Locate()
		if errors.Is(err, viewport.ErrNoPosition) {
			httpError(w, http.StatusConflict, "location_error", "location not available yet")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleOpen(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Viewport.ForceOpen())
	}
}

// SessionResponse describes the active session
type SessionResponse struct {
	Active    bool   `json:"active"`
	User      string `json:"user,omitempty"`
	Anonymous bool   `json:"anonymous"`
	Language  string `json:"language"`
}

func currentSession(m *session.Manager) SessionResponse {
	id, active := m.Current()
	name, _ := id.Name()
	return SessionResponse{
		Active:    active,
		User:      name,
		Anonymous: active && id.IsAnonymous(),
		Language:  m.Language(),
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, currentSession(deps.Session))
	}
}

// LoginRequest starts a session
type LoginRequest struct {
	Name      string `json:"name"`
	Anonymous bool   `json:"anonymous"`
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var err error
		if req.Anonymous {
			err = deps.Session.Login(r.Context(), pkg.Anonymous())
		} else {
			err = deps.Session.LoginNamed(r.Context(), req.Name)
		}
		switch {
		case errors.Is(err, session.ErrBlankName):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required unless anonymous")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		default:
			user, _ := deps.Session.Current()
			record(deps, audit.Event{Type: audit.EventLogin, Actor: user.String()})
			writeJSON(w, http.StatusOK, currentSession(deps.Session))
		}
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, active := deps.Session.Current()
		if err := deps.Session.Logout(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if active {
			record(deps, audit.Event{Type: audit.EventLogout, Actor: user.String()})
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LanguageRequest changes the UI language
type LanguageRequest struct {
	Language string `json:"language"`
}

func handleSetLanguage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LanguageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err := deps.Session.SetLanguage(r.Context(), req.Language)
		switch {
		case errors.Is(err, session.ErrInvalidLanguage):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		default:
			record(deps, audit.Event{
				Type:    audit.EventLanguage,
				Details: map[string]string{"language": deps.Session.Language()},
			})
			writeJSON(w, http.StatusOK, currentSession(deps.Session))
		}
	}
}

func record(deps Deps, event audit.Event) {
	if err := deps.Audit.Record(event); err != nil {
		deps.Logger.Warn("failed to record activity", "type", event.Type, "error", err)
	}
}

func recordMarker(deps Deps, kind pkg.Kind, m pkg.Marker, err error) {
	switch {
	case err == nil:
		record(deps, audit.Event{
			Type:  audit.EventMarkerCreated,
			Actor: m.AddedBy.String(),
			Details: map[string]string{
				"id":   m.ID,
				"type": string(m.Kind),
				"lat":  strconv.FormatFloat(m.Latitude, 'f', 6, 64),
				"lng":  strconv.FormatFloat(m.Longitude, 'f', 6, 64),
			},
		})
	case errors.Is(err, markers.ErrWriteFailed):
		record(deps, audit.Event{
			Type:    audit.EventMarkerFailed,
			Details: map[string]string{"type": string(kind), "error": err.Error()},
		})
	}
}

// handleActivity returns journal events. Query parameters: since (RFC 3339),
// type (repeatable) and limit.
func handleActivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Audit == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "activity journal is disabled")
			return
		}
		q := r.URL.Query()

		var since time.Time
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be RFC 3339: %v", err)
				return
			}
			since = t
		}
		limit := 100
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		events, err := deps.Audit.Query(since, q["type"], limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
