// Package statusapi exposes a read-only HTTP snapshot of the tracer's
// breakpoint table and call-state tracker, grounded on this repository's
// own status.StatusHandler. Unlike that handler, which reports a process
// pool's worker counts, this one reports breakpoint-table and in-flight
// call-state sizes; it carries no write surface beyond an admin-gated quit
// endpoint, since the core's public operations (spec §4.7) expose nothing
// else safe to trigger remotely.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/guestrace/gtrace/version"
)

// Status is the JSON/text status payload.
type Status struct {
	Version           string    `json:"version"`
	OSType            string    `json:"os-type"`
	StartTime         time.Time `json:"start-time"`
	StartSince        int64     `json:"start-since"`
	BreakpointCount   int       `json:"breakpoint-count"`
	InFlightCallCount int       `json:"in-flight-call-count"`
	Interrupted       bool      `json:"interrupted"`
}

// StatsSource is implemented by *loop.Loop; kept as a narrow interface so
// this package does not import internal/loop directly.
type StatsSource interface {
	OSTypeString() string
	BreakpointCount() int
	InFlightCallCount() int
	Interrupted() bool
}

// Handler serves the status endpoint.
type Handler struct {
	source    StatsSource
	startTime time.Time
	jwtSecret []byte
	quit      func()
}

// NewHandler constructs a Handler. jwtSecret authenticates the admin-only
// /quit route; quit is invoked when that route is called successfully.
func NewHandler(source StatsSource, jwtSecret []byte, quit func()) *Handler {
	return &Handler{source: source, startTime: time.Now(), jwtSecret: jwtSecret, quit: quit}
}

// Routes returns a chi.Router exposing GET /status (JSON), GET /status.txt
// (text), and POST /quit (requires a valid admin bearer token).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatusJSON)
	r.Get("/status.txt", h.handleStatusText)
	r.Post("/quit", h.handleQuit)
	return r
}

func (h *Handler) status() Status {
	return Status{
		Version:           version.FullVersion(),
		OSType:            h.source.OSTypeString(),
		StartTime:         h.startTime,
		StartSince:        int64(time.Since(h.startTime).Seconds()),
		BreakpointCount:   h.source.BreakpointCount(),
		InFlightCallCount: h.source.InFlightCallCount(),
		Interrupted:       h.source.Interrupted(),
	}
}

func (h *Handler) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.status())
}

func (h *Handler) handleStatusText(w http.ResponseWriter, r *http.Request) {
	s := h.status()
	fmt.Fprintf(w, `version:              %s
os-type:              %s
start-time:           %s
start-since:          %d
breakpoint-count:     %d
in-flight-call-count: %d
interrupted:          %t
`, s.Version, s.OSType, s.StartTime.Format(time.RFC3339), s.StartSince, s.BreakpointCount, s.InFlightCallCount, s.Interrupted)
}

func (h *Handler) handleQuit(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.Header.Get("Authorization")
	if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
		tokenStr = tokenStr[7:]
	}

	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.quit()
	w.WriteHeader(http.StatusAccepted)
}
