package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/unklstewy/skyfeed/internal/auth"
	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

func testServer(t *testing.T) (*Server, *track.Store, *channel.Registry) {
	t.Helper()
	store := track.NewStore()
	registry := channel.NewRegistry()
	return NewServer(store, registry, nil), store, registry
}

func addAircraft(t *testing.T, store *track.Store, hexID, call string, lat, lon, alt float64) {
	t.Helper()
	rec, _ := store.GetOrCreate(track.NewKeyICAO(hexID))
	rec.MergeStatic(track.StaticData{Call: call})
	now := time.Now()
	rec.AddSighting("test", track.DynamicData{
		GroundSpeed: 250,
		Heading:     90,
		Timestamp:   now,
	}, geo.Position{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Timestamp: now,
	})
}

func TestStatusEndpoint(t *testing.T) {
	srv, store, _ := testServer(t)
	addAircraft(t, store, "3C66B2", "DLH9CK", 48.1, 11.5, 35000)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var status statusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("Expected status 'ok', got %q", status.Status)
	}
	if status.AircraftCount != 1 {
		t.Errorf("Expected aircraft count 1, got %d", status.AircraftCount)
	}
}

func TestListAircraft(t *testing.T) {
	srv, store, _ := testServer(t)
	addAircraft(t, store, "3C66B2", "DLH9CK", 48.1, 11.5, 35000)
	addAircraft(t, store, "A1B2C3", "UAL123", 33.9, -118.4, 12000)

	req := httptest.NewRequest("GET", "/api/v1/aircraft", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var aircraft []aircraftInfo
	if err := json.NewDecoder(w.Body).Decode(&aircraft); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(aircraft) != 2 {
		t.Fatalf("Expected 2 aircraft, got %d", len(aircraft))
	}
	calls := map[string]bool{}
	for _, ac := range aircraft {
		calls[ac.Call] = true
	}
	if !calls["DLH9CK"] || !calls["UAL123"] {
		t.Errorf("Expected DLH9CK and UAL123 in list, got %v", calls)
	}
}

func TestGetAircraft(t *testing.T) {
	srv, store, _ := testServer(t)
	addAircraft(t, store, "3C66B2", "DLH9CK", 48.1, 11.5, 35000)

	t.Run("bare hex key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/aircraft/3C66B2", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var ac aircraftInfo
		if err := json.NewDecoder(w.Body).Decode(&ac); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if ac.Call != "DLH9CK" {
			t.Errorf("Expected call DLH9CK, got %q", ac.Call)
		}
		if ac.Altitude != 35000 {
			t.Errorf("Expected altitude 35000, got %.0f", ac.Altitude)
		}
	})

	t.Run("typed key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/aircraft/ICAO:3C66B2", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/aircraft/FFFFFF", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})
}

func TestRestartChannels(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest("POST", "/api/v1/channels/restart", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["restarted"] != 0 {
		t.Errorf("Expected 0 restarted channels, got %d", resp["restarted"])
	}
}

func TestRestartRequiresToken(t *testing.T) {
	store := track.NewStore()
	registry := channel.NewRegistry()
	authSvc := auth.NewService("test-secret", time.Hour)
	srv := NewServer(store, registry, authSvc)

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/channels/restart", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", w.Code)
		}
	})

	t.Run("viewer token", func(t *testing.T) {
		token, err := authSvc.GenerateToken("dashboard", auth.RoleViewer)
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		req := httptest.NewRequest("POST", "/api/v1/channels/restart", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", w.Code)
		}
	})

	t.Run("operator token", func(t *testing.T) {
		token, err := authSvc.GenerateToken("ops-console", auth.RoleOperator)
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		req := httptest.NewRequest("POST", "/api/v1/channels/restart", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("read endpoints stay open", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})
}

func TestChannelsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest("GET", "/api/v1/channels", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var channels []channelInfo
	if err := json.NewDecoder(w.Body).Decode(&channels); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("Expected empty channel list, got %d entries", len(channels))
	}
}
