// Package adsbex implements the ADS-B Exchange polling channel.
package adsbex

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// lowQuotaWarning triggers a log line when the remaining daily request
// quota drops below this.
const lowQuotaWarning = 100

// Channel polls the ADS-B Exchange point/radius endpoint.
type Channel struct {
	channel.Base

	cfg      config.ADSBExConfig
	store    *track.Store
	queue    *masterdata.Queue
	viewer   func() geo.Position
	radiusNM float64
	filter   string

	fetcher     *channel.Fetcher
	warnedQuota bool
}

// New creates the ADS-B Exchange channel.
func New(cfg config.ADSBExConfig, trk config.TrackingConfig, store *track.Store,
	queue *masterdata.Queue, viewer func() geo.Position, filter string) *Channel {

	return &Channel{
		Base:     channel.NewBase("adsbexchange", trk.MaxChannelErrors),
		cfg:      cfg,
		store:    store,
		queue:    queue,
		viewer:   viewer,
		radiusNM: trk.SearchRadiusNM,
		filter:   strings.ToUpper(filter),
		fetcher:  channel.NewFetcher(),
	}
}

// adsbexResponse is the JSON response envelope.
type adsbexResponse struct {
	Aircraft []adsbexAircraft `json:"ac"`
	Total    int              `json:"total"`
	Now      int64            `json:"now"`
	Message  string           `json:"msg"`
}

// adsbexAircraft is a single aircraft record. Numeric fields are pointers
// so "absent" and "zero" stay distinguishable.
type adsbexAircraft struct {
	// Hex is the ICAO Mode S hex code
	Hex string `json:"hex"`

	// Flight is the call sign, space-padded
	Flight string `json:"flight"`

	// Registration tail number
	Registration string `json:"r"`

	// Type is the ICAO type designator
	Type string `json:"t"`

	// AltBaro is barometric altitude in feet, or the string "ground"
	AltBaro interface{} `json:"alt_baro"`

	// Gs is ground speed in knots
	Gs *float64 `json:"gs"`

	// Track is ground track in degrees
	Track *float64 `json:"track"`

	// BaroRate is vertical rate in feet/minute
	BaroRate *float64 `json:"baro_rate"`

	// Lat/Lon in decimal degrees
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	// Squawk transponder code
	Squawk string `json:"squawk"`

	// Seen is seconds since the last message
	Seen *float64 `json:"seen"`
}

// Poll fetches one round of aircraft and feeds them into the store.
func (c *Channel) Poll(ctx context.Context) error {
	viewer := c.viewer()
	url := fmt.Sprintf("%s/lat/%.4f/lon/%.4f/dist/%.0f/",
		c.cfg.BaseURL, viewer.Latitude, viewer.Longitude, c.radiusNM)

	body, headers, err := c.fetcher.Get(ctx, url, func(req *http.Request) {
		req.Header.Set("api-auth", c.cfg.APIKey)
	})
	if err != nil {
		// A rejected key will never start working again
		if channel.IsHTTPStatus(err, http.StatusUnauthorized) ||
			channel.IsHTTPStatus(err, http.StatusForbidden) {
			log.Printf("[%s] API key rejected, channel disabled", c.Name())
			c.Invalidate(err)
			return nil
		}
		return err
	}

	c.checkQuota(headers)

	var resp adsbexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Message != "" && resp.Message != "No error" {
		return fmt.Errorf("provider reported: %s", resp.Message)
	}

	now := time.Now().UTC()
	served := 0
	for _, ac := range resp.Aircraft {
		if c.processAircraft(ac, viewer, now) {
			served++
		}
	}
	c.SetAircraftServed(served)
	return nil
}

// processAircraft converts one record into a sighting.
func (c *Channel) processAircraft(ac adsbexAircraft, viewer geo.Position, now time.Time) bool {
	icao := strings.ToUpper(strings.TrimSpace(ac.Hex))
	if icao == "" || ac.Lat == nil || ac.Lon == nil {
		return false
	}
	if c.filter != "" && icao != c.filter {
		return false
	}

	ts := now
	if ac.Seen != nil {
		ts = now.Add(-time.Duration(*ac.Seen * float64(time.Second)))
	}

	alt, onGround := parseAltitude(ac.AltBaro)

	pos := geo.Position{
		Latitude:  *ac.Lat,
		Longitude: *ac.Lon,
		Altitude:  alt,
		OnGround:  onGround,
		Timestamp: ts,
	}

	dyn := track.DynamicData{
		Squawk:    strings.TrimSpace(ac.Squawk),
		OnGround:  onGround,
		Timestamp: ts,
	}
	if ac.Gs != nil {
		dyn.GroundSpeed = *ac.Gs
	}
	if ac.Track != nil {
		dyn.Heading = *ac.Track
	}
	if ac.BaroRate != nil {
		dyn.VerticalRate = *ac.BaroRate
	}

	call := strings.TrimSpace(ac.Flight)

	key := track.NewKeyICAO(icao)
	rec, _ := c.store.GetOrCreate(key)
	rec.AddSighting(c.Name(), dyn, pos)

	static := track.StaticData{
		Call:         call,
		Registration: strings.TrimSpace(ac.Registration),
		AcTypeICAO:   strings.TrimSpace(ac.Type),
	}
	if static.Call != "" || static.Registration != "" || static.AcTypeICAO != "" {
		rec.MergeStatic(static)
	}

	if rec.NeedsLookup(call) {
		dist := geo.DistanceMeters(viewer, pos)
		c.queue.Enqueue(masterdata.Request{
			Key: key, Kind: masterdata.KindAircraft, DistanceM: dist,
		})
		if call != "" {
			c.queue.Enqueue(masterdata.Request{
				Key: key, Kind: masterdata.KindRoute, Call: call, DistanceM: dist,
			})
		}
	}
	return true
}

// parseAltitude handles the alt_baro field, which is a number in feet or
// the string "ground".
func parseAltitude(val interface{}) (altFt float64, onGround bool) {
	switch v := val.(type) {
	case float64:
		return v, false
	case string:
		if v == "ground" {
			return 0, true
		}
	}
	return 0, false
}

// checkQuota logs once when the remaining request quota runs low.
func (c *Channel) checkQuota(headers http.Header) {
	if headers == nil {
		return
	}
	remaining := headers.Get("X-Rate-Limit-Remaining")
	if remaining == "" {
		remaining = headers.Get("X-RateLimit-Requests-Remaining")
	}
	if remaining == "" {
		c.warnedQuota = false
		return
	}
	var n int
	if _, err := fmt.Sscanf(remaining, "%d", &n); err != nil {
		return
	}
	if n < lowQuotaWarning && !c.warnedQuota {
		log.Printf("[%s] request quota running low: %d remaining", c.Name(), n)
		c.warnedQuota = true
	} else if n >= lowQuotaWarning {
		c.warnedQuota = false
	}
}
