package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/fingerprint"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
)

func (s *Server) handleListMeters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Meters []types.Snapshot `json:"meters"`
	}{Meters: s.meters.Snapshots()}, http.StatusOK)
}

func (s *Server) meter(w http.ResponseWriter, r *http.Request) (*coordinator.Meter, bool) {
	m, err := s.meters.Meter(r.PathValue("mprn"))
	if err != nil {
		writeJSONError(w, "unknown meter", http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func (s *Server) handleGetMeter(w http.ResponseWriter, r *http.Request) {
	m, ok := s.meter(w, r)
	if !ok {
		return
	}
	writeJSON(w, m.Snapshot(), http.StatusOK)
}

type submitCookiesRequest struct {
	Cookies   string `json:"cookies"`
	UserAgent string `json:"userAgent"`
}

type submitCookiesResponse struct {
	Cookies    int       `json:"cookies"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// handleSubmitCookies stores cookies copied from a browser session, used to
// get past a CAPTCHA, and schedules an update with them.
func (s *Server) handleSubmitCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, ok := s.meter(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req submitCookiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	if fingerprint.FromUserAgent(req.UserAgent, "").Family == fingerprint.FamilyUnknown {
		req.UserAgent = s.selector.Pick().UserAgent
	}

	sess, err := m.SubmitCookies(ctx, req.Cookies, req.UserAgent)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCookieFormat) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to store manual session", slog.Any("error", err))
		writeJSONError(w, "failed to store session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, submitCookiesResponse{Cookies: len(sess.Cookies), AcquiredAt: sess.AcquiredAt}, http.StatusAccepted)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m, ok := s.meter(w, r)
	if !ok {
		return
	}
	switch err := m.RequestRefresh(); {
	case errors.Is(err, coordinator.ErrFetchInFlight):
		writeJSONError(w, "update already in progress", http.StatusConflict)
	case errors.Is(err, coordinator.ErrCircuitOpen):
		if next := m.NextAttempt(); !next.IsZero() {
			w.Header().Set("Retry-After", next.UTC().Format(http.TimeFormat))
		}
		writeJSONError(w, "updates paused after repeated failures", http.StatusServiceUnavailable)
	case err != nil:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, struct {
			Status string `json:"status"`
		}{Status: "scheduled"}, http.StatusAccepted)
	}
}
