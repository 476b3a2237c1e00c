// Package api serves the status and aircraft REST endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/unklstewy/skyfeed/internal/auth"
	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// Server exposes the track store and channel registry over HTTP.
type Server struct {
	router    *chi.Mux
	store     *track.Store
	registry  *channel.Registry
	auth      *auth.Service
	startedAt time.Time
}

// NewServer creates the API server and wires its routes. A nil auth
// service leaves the mutating endpoints open.
func NewServer(store *track.Store, registry *channel.Registry, authSvc *auth.Service) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		registry:  registry,
		auth:      authSvc,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler for use in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleChannels)
		r.With(s.requireOperator).Post("/channels/restart", s.handleRestartChannels)
		r.Get("/aircraft", s.handleListAircraft)
		r.Get("/aircraft/{key}", s.handleGetAircraft)
	})
}

// requireOperator rejects requests without a valid operator bearer token.
// Pass-through when no auth service is configured.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		if !auth.CanControlChannels(claims.Role) {
			http.Error(w, "insufficient permissions", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusResponse is the system status document.
type statusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	AircraftCount int               `json:"aircraft_count"`
	Channels      map[string]string `json:"channels"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		AircraftCount: s.store.Count(),
		Channels:      s.registry.Statuses(),
	})
}

// channelInfo is one channel's state in the channel list.
type channelInfo struct {
	Name   string `json:"name"`
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := []channelInfo{}
	for _, ch := range s.registry.All() {
		channels = append(channels, channelInfo{
			Name:   ch.Name(),
			Valid:  ch.Valid(),
			Status: ch.Status(),
		})
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleRestartChannels(w http.ResponseWriter, r *http.Request) {
	restarted := s.registry.RestartInvalid()
	writeJSON(w, http.StatusOK, map[string]int{"restarted": restarted})
}

// aircraftInfo is the JSON rendering of one track record.
type aircraftInfo struct {
	Key          string  `json:"key"`
	Call         string  `json:"call,omitempty"`
	Registration string  `json:"registration,omitempty"`
	AcType       string  `json:"ac_type,omitempty"`
	Operator     string  `json:"operator,omitempty"`
	Origin       string  `json:"origin,omitempty"`
	Destination  string  `json:"destination,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Altitude     float64 `json:"altitude_ft"`
	GroundSpeed  float64 `json:"ground_speed_kt"`
	Heading      float64 `json:"heading"`
	VerticalRate float64 `json:"vertical_rate_fpm"`
	Squawk       string  `json:"squawk,omitempty"`
	OnGround     bool    `json:"on_ground"`
	Channel      string  `json:"channel,omitempty"`
	AgeSeconds   float64 `json:"age_seconds"`
}

func aircraftFromRecord(rec *track.Record, now time.Time) (aircraftInfo, bool) {
	pos, ok := rec.LatestPosition()
	if !ok {
		return aircraftInfo{}, false
	}
	static := rec.Static()
	dyn := rec.Dynamic()
	return aircraftInfo{
		Key:          rec.Key().String(),
		Call:         static.Call,
		Registration: static.Registration,
		AcType:       static.AcTypeICAO,
		Operator:     static.Operator,
		Origin:       static.Origin,
		Destination:  static.Destination,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		Altitude:     pos.Altitude,
		GroundSpeed:  dyn.GroundSpeed,
		Heading:      dyn.Heading,
		VerticalRate: dyn.VerticalRate,
		Squawk:       dyn.Squawk,
		OnGround:     pos.OnGround,
		Channel:      rec.Channel(),
		AgeSeconds:   now.Sub(pos.Timestamp).Seconds(),
	}, true
}

func (s *Server) handleListAircraft(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	aircraft := []aircraftInfo{}
	s.store.ForEach(func(rec *track.Record) bool {
		if info, ok := aircraftFromRecord(rec, now); ok {
			aircraft = append(aircraft, info)
		}
		return true
	})
	writeJSON(w, http.StatusOK, aircraft)
}

func (s *Server) handleGetAircraft(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")

	// accept both "ICAO:3C66B2" and a bare hex id
	var key track.Key
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		key = track.NewKey(parseKeyType(raw[:i]), raw[i+1:])
	} else {
		key = track.NewKeyICAO(raw)
	}

	rec, ok := s.store.Get(key)
	if !ok {
		http.Error(w, "aircraft not found", http.StatusNotFound)
		return
	}
	info, ok := aircraftFromRecord(rec, time.Now())
	if !ok {
		http.Error(w, "aircraft has no position yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func parseKeyType(s string) track.KeyType {
	switch strings.ToUpper(s) {
	case "ICAO":
		return track.KeyICAO
	case "FLARM":
		return track.KeyFLARM
	case "OGN":
		return track.KeyOGN
	case "FLT":
		return track.KeyFlightID
	case "FEED":
		return track.KeyFeedInternal
	default:
		return track.KeyUnknown
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
