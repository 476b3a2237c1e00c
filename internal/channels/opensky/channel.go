// Package opensky implements the OpenSky Network channels: the live
// state-vector poller and the master-data/route resolver.
package opensky

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

// Unit conversions for OpenSky's metric state vectors.
const (
	metersPerSecondToKnots = 1.9438445
	metersPerSecondToFpm   = 196.8504
)

// lowQuotaWarning triggers a log line when the remaining request quota
// drops below this.
const lowQuotaWarning = 50

// Channel polls OpenSky state vectors for the area around the viewer.
type Channel struct {
	channel.Base

	cfg      config.OpenSkyConfig
	store    *track.Store
	queue    *masterdata.Queue
	viewer   func() geo.Position
	radiusNM float64
	filter   string

	fetcher *channel.Fetcher
	tokens  *tokenSource

	warnedQuota bool
}

// New creates the OpenSky live channel.
// viewer supplies the current viewer position each cycle; filter, when
// non-empty, restricts processing to one ICAO hex address.
func New(cfg config.OpenSkyConfig, trk config.TrackingConfig, store *track.Store,
	queue *masterdata.Queue, viewer func() geo.Position, filter string) *Channel {

	return &Channel{
		Base:     channel.NewBase("opensky", trk.MaxChannelErrors),
		cfg:      cfg,
		store:    store,
		queue:    queue,
		viewer:   viewer,
		radiusNM: trk.SearchRadiusNM,
		filter:   strings.ToUpper(filter),
		fetcher:  channel.NewFetcher(),
		tokens:   newTokenSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret),
	}
}

// openskyStates is the top level of the /states/all response. Each state
// vector is a positional array of mixed types.
type openskyStates struct {
	Time   int64           `json:"time"`
	States [][]interface{} `json:"states"`
}

// Poll fetches one round of state vectors and feeds them into the store.
func (c *Channel) Poll(ctx context.Context) error {
	viewer := c.viewer()
	box := geo.BoxAround(viewer, c.radiusNM)
	url := fmt.Sprintf("%s/states/all?lamin=%.3f&lomin=%.3f&lamax=%.3f&lomax=%.3f",
		c.cfg.BaseURL, box.MinLat, box.MinLon, box.MaxLat, box.MaxLon)

	var token string
	if c.tokens.configured() {
		var err error
		token, err = c.tokens.get(ctx)
		if err != nil {
			if err == ErrInvalidCredentials {
				log.Printf("[%s] %v, channel disabled", c.Name(), err)
				c.Invalidate(err)
				return nil
			}
			return fmt.Errorf("failed to obtain token: %w", err)
		}
	}

	body, headers, err := c.fetcher.Get(ctx, url, func(req *http.Request) {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	})
	if err != nil {
		// 401 with a token means the token aged out server-side; drop it
		// and try again next cycle. Not an error.
		if token != "" && channel.IsHTTPStatus(err, http.StatusUnauthorized) {
			log.Printf("[%s] token no longer accepted, refreshing", c.Name())
			c.tokens.invalidate()
			return nil
		}
		return err
	}

	c.checkQuota(headers)

	var states openskyStates
	if err := json.Unmarshal(body, &states); err != nil {
		return fmt.Errorf("failed to parse states response: %w", err)
	}

	served := 0
	for _, sv := range states.States {
		if c.processState(sv, viewer) {
			served++
		}
	}
	c.SetAircraftServed(served)
	return nil
}

// processState converts one positional state vector into a sighting.
// Layout per the OpenSky API: 0 icao24, 1 callsign, 2 origin country,
// 4 last contact, 5 lon, 6 lat, 7 baro altitude (m), 8 on ground,
// 9 velocity (m/s), 10 true track, 11 vertical rate (m/s), 14 squawk.
func (c *Channel) processState(sv []interface{}, viewer geo.Position) bool {
	if len(sv) < 12 {
		return false
	}

	icao := strings.ToUpper(asString(sv, 0))
	if icao == "" {
		return false
	}
	if c.filter != "" && icao != c.filter {
		return false
	}

	lon, okLon := asFloat(sv, 5)
	lat, okLat := asFloat(sv, 6)
	if !okLon || !okLat {
		// No position in this vector, nothing to track yet
		return false
	}

	lastContact, _ := asFloat(sv, 4)
	ts := time.Unix(int64(lastContact), 0).UTC()
	onGround, _ := sv[8].(bool)

	pos := geo.Position{
		Latitude:  lat,
		Longitude: lon,
		OnGround:  onGround,
		Timestamp: ts,
	}
	if alt, ok := asFloat(sv, 7); ok {
		pos.Altitude = alt * geo.MetersToFeet
	}

	dyn := track.DynamicData{
		OnGround:  onGround,
		Timestamp: ts,
	}
	if v, ok := asFloat(sv, 9); ok {
		dyn.GroundSpeed = v * metersPerSecondToKnots
	}
	if v, ok := asFloat(sv, 10); ok {
		dyn.Heading = v
	}
	if v, ok := asFloat(sv, 11); ok {
		dyn.VerticalRate = v * metersPerSecondToFpm
	}
	if len(sv) > 14 {
		dyn.Squawk = asString(sv, 14)
	}

	call := strings.TrimSpace(asString(sv, 1))

	key := track.NewKeyICAO(icao)
	rec, _ := c.store.GetOrCreate(key)
	rec.AddSighting(c.Name(), dyn, pos)
	if call != "" {
		rec.MergeStatic(track.StaticData{Call: call, Country: asString(sv, 2)})
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

// checkQuota logs once when the remaining request quota runs low.
func (c *Channel) checkQuota(headers http.Header) {
	if headers == nil {
		return
	}
	remaining := headers.Get("X-Rate-Limit-Remaining")
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

// asString reads a positional string field.
func asString(sv []interface{}, i int) string {
	if i >= len(sv) {
		return ""
	}
	s, _ := sv[i].(string)
	return s
}

// asFloat reads a positional numeric field. JSON null yields ok=false.
func asFloat(sv []interface{}, i int) (float64, bool) {
	if i >= len(sv) {
		return 0, false
	}
	f, ok := sv[i].(float64)
	return f, ok
}
