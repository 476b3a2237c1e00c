package opensky

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// requestsPerSecond paces master-data requests so a burst of unknown
// aircraft after startup does not burn through the quota.
const requestsPerSecond = 2

// Cache receives successful network answers for local storage, so the
// next run resolves the same aircraft without a network round trip.
// Implemented by the database resolver; nil disables caching.
type Cache interface {
	CacheAircraft(ctx context.Context, icao string, data track.StaticData) error
	CacheRoute(ctx context.Context, call string, data track.StaticData) error
}

// Resolver answers aircraft and route lookups from the OpenSky metadata
// API. It is a network resolver and belongs at the end of the chain.
type Resolver struct {
	baseURL string
	fetcher *channel.Fetcher
	limiter *rate.Limiter
	cache   Cache
}

// NewResolver creates the OpenSky master-data resolver.
func NewResolver(cfg config.OpenSkyConfig, cache Cache) *Resolver {
	return &Resolver{
		baseURL: cfg.BaseURL,
		fetcher: channel.NewFetcher(),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		cache:   cache,
	}
}

// Name identifies the resolver in logs and status output.
func (r *Resolver) Name() string {
	return "opensky-masterdata"
}

// Resolve answers one lookup request.
func (r *Resolver) Resolve(ctx context.Context, req masterdata.Request) (track.StaticData, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return track.StaticData{}, err
	}
	if req.Kind == masterdata.KindRoute {
		return r.resolveRoute(ctx, req.Call)
	}
	if req.Key.Type != track.KeyICAO {
		return track.StaticData{}, masterdata.ErrNotFound
	}
	return r.resolveAircraft(ctx, req.Key.Value)
}

// openskyMetadata is the aircraft metadata response shape.
type openskyMetadata struct {
	Registration     string `json:"registration"`
	ManufacturerName string `json:"manufacturerName"`
	Model            string `json:"model"`
	Typecode         string `json:"typecode"`
	Operator         string `json:"operator"`
	OperatorICAO     string `json:"operatorIcao"`
	Owner            string `json:"owner"`
	Country          string `json:"country"`
	CategoryDescr    string `json:"categoryDescription"`
}

func (r *Resolver) resolveAircraft(ctx context.Context, icao string) (track.StaticData, error) {
	requestURL := fmt.Sprintf("%s/metadata/aircraft/icao/%s",
		r.baseURL, strings.ToLower(icao))

	body, _, err := r.fetcher.Get(ctx, requestURL, nil)
	if err != nil {
		if channel.IsHTTPStatus(err, http.StatusNotFound) {
			return track.StaticData{}, masterdata.ErrNotFound
		}
		return track.StaticData{}, err
	}

	var md openskyMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return track.StaticData{}, fmt.Errorf("failed to parse metadata response: %w", err)
	}

	data := track.StaticData{
		Registration: md.Registration,
		Manufacturer: md.ManufacturerName,
		Model:        md.Model,
		AcTypeICAO:   md.Typecode,
		Operator:     md.Operator,
		OperatorICAO: md.OperatorICAO,
		Country:      md.Country,
		CatDescr:     md.CategoryDescr,
	}
	if data.Operator == "" {
		data.Operator = md.Owner
	}

	if r.cache != nil {
		// Cache trouble must not fail the lookup
		if err := r.cache.CacheAircraft(ctx, icao, data); err != nil {
			log.Printf("[%s] failed to cache %s: %v", r.Name(), icao, err)
		}
	}
	return data, nil
}

// openskyRoute is the route lookup response shape.
type openskyRoute struct {
	Callsign     string   `json:"callsign"`
	Route        []string `json:"route"`
	OperatorIATA string   `json:"operatorIata"`
	FlightNumber int      `json:"flightNumber"`
}

func (r *Resolver) resolveRoute(ctx context.Context, call string) (track.StaticData, error) {
	requestURL := fmt.Sprintf("%s/routes?callsign=%s",
		r.baseURL, url.QueryEscape(strings.TrimSpace(call)))

	body, _, err := r.fetcher.Get(ctx, requestURL, nil)
	if err != nil {
		switch {
		case channel.IsHTTPStatus(err, http.StatusNotFound):
			return track.StaticData{}, masterdata.ErrNotFound
		case channel.IsHTTPStatus(err, http.StatusBadRequest):
			// The API only knows well-formed airline call signs; private
			// registrations come back as 400
			return track.StaticData{}, fmt.Errorf("%w: callsign %q", masterdata.ErrBadRequest, call)
		}
		return track.StaticData{}, err
	}

	var rt openskyRoute
	if err := json.Unmarshal(body, &rt); err != nil {
		return track.StaticData{}, fmt.Errorf("failed to parse route response: %w", err)
	}

	var data track.StaticData
	if len(rt.Route) > 0 {
		data.Origin = rt.Route[0]
	}
	if len(rt.Route) > 1 {
		data.Destination = rt.Route[len(rt.Route)-1]
	}
	if rt.OperatorIATA != "" && rt.FlightNumber > 0 {
		data.FlightNo = fmt.Sprintf("%s%d", rt.OperatorIATA, rt.FlightNumber)
	}

	if r.cache != nil {
		if err := r.cache.CacheRoute(ctx, call, data); err != nil {
			log.Printf("[%s] failed to cache route %s: %v", r.Name(), call, err)
		}
	}
	return data, nil
}
