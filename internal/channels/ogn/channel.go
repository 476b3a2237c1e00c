// Package ogn implements the Open Glider Network channel. OGN covers
// gliders, paragliders and other light traffic invisible to ADS-B,
// identified by FLARM or OGN tracker ids rather than ICAO addresses.
package ogn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// marker field positions in the live.glidernet.org response
const (
	fieldLat = iota
	fieldLon
	fieldCN
	fieldReg
	fieldAltM
	fieldTime
	fieldAgeS
	fieldTrack
	fieldSpeedKmh
	fieldVertMS
	fieldAcftType
	fieldReceiver
	fieldDeviceID
	fieldOGNRegID
	fieldCount
)

const (
	markerBegin = `<m a="`
	markerEnd   = `"/>`
)

// unit conversions for the metric OGN data
const (
	kmhToKnots           = 1.0 / 1.852
	metersPerSecondToFpm = 196.8504
)

// firstAnonymousID starts above the 24-bit range of real device ids so
// generated ids can never collide with one.
const firstAnonymousID = 0x01000000

// flarmTypeStatic marks fixed installations (antennas etc.) that are not
// aircraft at all.
const flarmTypeStatic = 15

// flarmTypeNames maps the FLARM aircraft type to a human-readable
// category description.
var flarmTypeNames = map[int]string{
	0:  "unknown",
	1:  "Glider / Motor-Glider",
	2:  "Tow / Tug Plane",
	3:  "Helicopter, Rotorcraft",
	4:  "Parachute",
	5:  "Drop Plane for parachutes",
	6:  "Hangglider",
	7:  "Paraglider",
	8:  "Powered Aircraft",
	9:  "Jet Aircraft",
	10: "Flying Saucer, UFO",
	11: "Balloon",
	12: "Airship",
	13: "Unmanned Aerial Vehicle",
	15: "Static object",
}

// flarmTypeIcao maps the FLARM aircraft type to a default ICAO type
// designator, used when the device database has no model information.
var flarmTypeIcao = map[int]string{
	0: "GLID", 1: "GLID", 2: "DR40", 3: "EC35", 4: "GLID", 5: "C208",
	6: "GLID", 7: "GLID", 8: "C172", 9: "C510", 10: "MG29", 11: "GLID",
	12: "GLID", 13: "GLID",
}

// anonymousID is the generated identity of a device whose owner opted
// out of identification.
type anonymousID struct {
	id   uint64
	call string
}

// Channel polls the OGN live service.
type Channel struct {
	channel.Base

	cfg      config.OGNConfig
	store    *track.Store
	queue    *masterdata.Queue
	viewer   func() geo.Position
	radiusNM float64
	maxAge   time.Duration
	filter   string

	fetcher *channel.Fetcher
	devices *DeviceDB

	// anonymous id assignment, stable for the process lifetime
	anonByDevice map[string]anonymousID
	nextAnon     uint64
}

// New creates the OGN channel.
func New(cfg config.OGNConfig, trk config.TrackingConfig, store *track.Store,
	queue *masterdata.Queue, viewer func() geo.Position, filter string) *Channel {

	return &Channel{
		Base:         channel.NewBase("ogn", trk.MaxChannelErrors),
		cfg:          cfg,
		store:        store,
		queue:        queue,
		viewer:       viewer,
		radiusNM:     trk.SearchRadiusNM,
		maxAge:       time.Duration(trk.BufferingPeriodSeconds) * time.Second,
		filter:       strings.ToUpper(filter),
		fetcher:      channel.NewFetcher(),
		devices:      NewDeviceDB(),
		anonByDevice: make(map[string]anonymousID),
		nextAnon:     firstAnonymousID,
	}
}

// Poll fetches one round of glider data.
func (c *Channel) Poll(ctx context.Context) error {
	c.ensureDeviceDB(ctx)

	// 10% larger box so data is at hand when an aircraft comes close
	viewer := c.viewer()
	box := geo.BoxAround(viewer, c.radiusNM*1.1)
	url := fmt.Sprintf("%s?a=0&b=%.3f&c=%.3f&d=%.3f&e=%.3f",
		c.cfg.BaseURL, box.MaxLat, box.MinLat, box.MaxLon, box.MinLon)

	body, _, err := c.fetcher.Get(ctx, url, nil)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	served := 0
	for _, marker := range extractMarkers(body) {
		ok, err := c.processMarker(marker, viewer, box, now)
		if err != nil {
			log.Printf("[%s] bad marker: %v", c.Name(), err)
			continue
		}
		if ok {
			served++
		}
	}
	c.SetAircraftServed(served)
	return nil
}

// ensureDeviceDB downloads the device database when missing or stale.
// Failures are logged, not fatal: tracking works without it, just with
// anonymous-looking aircraft.
func (c *Channel) ensureDeviceDB(ctx context.Context) {
	if !c.devices.Stale() {
		return
	}
	err := c.devices.Download(ctx, func(ctx context.Context, url string) (io.ReadCloser, error) {
		body, _, err := c.fetcher.Get(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(body)), nil
	})
	if err != nil {
		log.Printf("[%s] %v", c.Name(), err)
	}
}

// extractMarkers pulls the marker definitions out of the XML-ish
// response. The response is not worth a full XML parser: every aircraft
// is one <m a="..."/> element with a comma-separated value list.
func extractMarkers(body []byte) []string {
	var markers []string
	s := string(body)
	for {
		i := strings.Index(s, markerBegin)
		if i < 0 {
			break
		}
		s = s[i+len(markerBegin):]
		j := strings.Index(s, markerEnd)
		if j < 0 {
			break
		}
		markers = append(markers, s[:j])
		s = s[j+len(markerEnd):]
	}
	return markers
}

// processMarker converts one marker into a sighting. The returned bool
// says whether an aircraft was filed.
func (c *Channel) processMarker(marker string, viewer geo.Position, box geo.BoundingBox, now time.Time) (bool, error) {
	fields := strings.Split(marker, ",")
	if len(fields) != fieldCount {
		return false, fmt.Errorf("expected %d fields, got %d: %s", fieldCount, len(fields), marker)
	}

	acType, _ := strconv.Atoi(fields[fieldAcftType])
	if acType == flarmTypeStatic {
		return false, nil
	}

	// records older than the buffering period are useless by the time
	// they arrive
	ageS, err := strconv.ParseFloat(fields[fieldAgeS], 64)
	if err != nil {
		return false, fmt.Errorf("bad age %q", fields[fieldAgeS])
	}
	age := time.Duration(ageS * float64(time.Second))
	if age < 0 {
		age = -age
	}
	if age >= c.maxAge {
		return false, nil
	}

	devID := strings.ToUpper(fields[fieldDeviceID])
	key, static, ok := c.identify(devID, acType)
	if !ok {
		return false, nil
	}
	if c.filter != "" && key.Value != c.filter {
		return false, nil
	}

	lat, err1 := strconv.ParseFloat(fields[fieldLat], 64)
	lon, err2 := strconv.ParseFloat(fields[fieldLon], 64)
	altM, err3 := strconv.ParseFloat(fields[fieldAltM], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false, fmt.Errorf("bad position: %s", marker)
	}

	ts := now.Add(-age)
	pos := geo.Position{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  altM * geo.MetersToFeet,
		Timestamp: ts,
	}
	// the server occasionally returns markers outside the requested box
	if !box.Contains(pos) {
		return false, nil
	}
	dyn := track.DynamicData{Timestamp: ts}
	if v, err := strconv.ParseFloat(fields[fieldTrack], 64); err == nil {
		dyn.Heading = v
	}
	if v, err := strconv.ParseFloat(fields[fieldSpeedKmh], 64); err == nil {
		dyn.GroundSpeed = v * kmhToKnots
	}
	if v, err := strconv.ParseFloat(fields[fieldVertMS], 64); err == nil {
		dyn.VerticalRate = v * metersPerSecondToFpm
	}

	rec, _ := c.store.GetOrCreate(key)
	rec.MergeStatic(static)
	rec.AddSighting(c.Name(), dyn, pos)

	if rec.NeedsLookup(static.Call) && key.Type == track.KeyICAO {
		c.queue.Enqueue(masterdata.Request{
			Key: key, Kind: masterdata.KindAircraft,
			DistanceM: geo.DistanceMeters(viewer, pos),
		})
	}
	return true, nil
}

// identify derives the track key and static data for a device, honoring
// the owner's privacy flags. Identified FLARM devices additionally feed
// the store's ICAO cross-reference: many FLARM units broadcast the
// airframe's ICAO address as device id, so an ADS-B channel seeing the
// same aircraft files its sightings under this record instead of
// creating a duplicate.
func (c *Channel) identify(devID string, acType int) (track.Key, track.StaticData, bool) {
	dev := c.devices.Lookup(devID)
	if !dev.Tracked {
		return track.Key{}, track.StaticData{}, false
	}

	static := track.StaticData{
		Registration: dev.Registration,
		Call:         dev.CompetitionNo,
		Model:        dev.Model,
		CatDescr:     flarmTypeNames[acType],
	}
	if static.Model == "" {
		static.Model = static.CatDescr
	}
	static.AcTypeICAO = flarmTypeIcao[acType]

	if !dev.Identified {
		anon := c.anonymize(devID, dev.DevType)
		key := track.NewKey(track.KeyOGN, fmt.Sprintf("%06X", anon.id))
		static.Registration = ""
		static.Call = anon.call
		return key, static, true
	}

	var key track.Key
	switch dev.DevType {
	case 'F':
		key = track.NewKey(track.KeyFLARM, devID)
		c.store.Link(devID, key)
	case 'I':
		key = track.NewKeyICAO(devID)
	default:
		key = track.NewKey(track.KeyOGN, devID)
	}
	return key, static, true
}

// anonymize assigns a stable generated identity to a device that does
// not want to be identified. The call sign starts with a question mark
// followed by the id as a four-digit base-36 number.
func (c *Channel) anonymize(devID string, devType byte) anonymousID {
	mapKey := devID + "_" + string(devType)
	if anon, ok := c.anonByDevice[mapKey]; ok {
		return anon
	}

	c.nextAnon++
	n := c.nextAnon - firstAnonymousID
	call := []byte("?____")
	for i := 4; i >= 1; i-- {
		call[i] = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"[n%36]
		n /= 36
	}
	anon := anonymousID{id: c.nextAnon, call: string(call)}
	c.anonByDevice[mapKey] = anon
	return anon
}
