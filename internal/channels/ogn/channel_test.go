package ogn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

const testDeviceList = `#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED
'F','DD0C07','ASK-21','D-1234','XY','Y','Y'
'I','3C66B2','DR-400','D-EABC','','Y','Y'
'O','AB1234','Paraglider','','','Y','Y'
'F','C0FFEE','Duo Discus','D-9999','ZZ','Y','N'
'F','BADBAD','LS-4','D-0000','','N','Y'
`

func testChannel(t *testing.T, liveURL string) (*Channel, *track.Store, *masterdata.Queue) {
	t.Helper()
	store := track.NewStore()
	queue := masterdata.NewQueue(store, time.Second, time.Minute)
	queue.AddResolver(&nullResolver{})
	cfg := config.OGNConfig{Enabled: true, BaseURL: liveURL}
	trk := config.TrackingConfig{
		MaxChannelErrors: 5, SearchRadiusNM: 100, BufferingPeriodSeconds: 90,
	}
	viewer := func() geo.Position { return geo.Position{Latitude: 48.0, Longitude: 11.0} }
	ch := New(cfg, trk, store, queue, viewer, "")
	if err := ch.devices.Load(strings.NewReader(testDeviceList)); err != nil {
		t.Fatalf("failed to load test device list: %v", err)
	}
	return ch, store, queue
}

type nullResolver struct{}

func (nullResolver) Name() string { return "null" }
func (nullResolver) Resolve(context.Context, masterdata.Request) (track.StaticData, error) {
	return track.StaticData{}, masterdata.ErrNotFound
}

// marker builds one live-data marker value list.
func marker(devID string, lat, lon float64, altM int, ageS int, acType int) string {
	return fmt.Sprintf("%.6f,%.6f,XY,D-1234,%d,12:00:00,%d,140,95,1.5,%d,RcvAlpha,%s,%s",
		lat, lon, altM, ageS, acType, devID, devID)
}

func liveServer(t *testing.T, markers ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range []string{"b", "c", "d", "e"} {
			if r.URL.Query().Get(p) == "" {
				t.Errorf("Missing bounding box parameter %s", p)
			}
		}
		fmt.Fprint(w, "<markers>\n")
		for _, m := range markers {
			fmt.Fprintf(w, "<m a=\"%s\"/>\n", m)
		}
		fmt.Fprint(w, "</markers>\n")
	}))
}

func TestDeviceDBLoad(t *testing.T) {
	db := NewDeviceDB()
	if err := db.Load(strings.NewReader(testDeviceList)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if db.Len() != 5 {
		t.Errorf("Expected 5 devices, got %d", db.Len())
	}

	dev := db.Lookup("dd0c07")
	if dev.DevType != 'F' || dev.Registration != "D-1234" || dev.Model != "ASK-21" {
		t.Errorf("Unexpected device data: %+v", dev)
	}
	if !dev.Tracked || !dev.Identified {
		t.Error("Expected tracked and identified flags")
	}

	// unknown devices are trackable OGN trackers
	unknown := db.Lookup("FFFFFF")
	if unknown.DevType != 'O' || !unknown.Tracked {
		t.Errorf("Unexpected default for unknown device: %+v", unknown)
	}
}

// TestPoll tests a full polling cycle with unit conversions.
func TestPoll(t *testing.T) {
	server := liveServer(t, marker("DD0C07", 48.1, 11.5, 1200, 5, 1))
	defer server.Close()

	ch, store, _ := testChannel(t, server.URL)
	if err := ch.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	rec, ok := store.Get(track.NewKey(track.KeyFLARM, "DD0C07"))
	if !ok {
		t.Fatal("Expected FLARM-keyed aircraft DD0C07")
	}
	static := rec.Static()
	if static.Registration != "D-1234" || static.Model != "ASK-21" {
		t.Errorf("Device data not merged: %+v", static)
	}
	if static.CatDescr != "Glider / Motor-Glider" {
		t.Errorf("Unexpected category %q", static.CatDescr)
	}
	pos, _ := rec.LatestPosition()
	if pos.Altitude < 3936 || pos.Altitude > 3938 {
		t.Errorf("Expected ~3937 ft from 1200 m, got %.0f", pos.Altitude)
	}
	dyn := rec.Dynamic()
	if dyn.GroundSpeed < 51 || dyn.GroundSpeed > 52 {
		t.Errorf("Expected ~51.3 kt from 95 km/h, got %.1f", dyn.GroundSpeed)
	}
	if dyn.VerticalRate < 295 || dyn.VerticalRate > 296 {
		t.Errorf("Expected ~295 fpm from 1.5 m/s, got %.0f", dyn.VerticalRate)
	}
	if ch.AircraftServed() != 1 {
		t.Errorf("Expected served gauge 1, got %d", ch.AircraftServed())
	}
}

// TestCrossReference tests that an identified FLARM device routes ADS-B
// sightings of the same hex id into the FLARM record.
func TestCrossReference(t *testing.T) {
	server := liveServer(t, marker("DD0C07", 48.1, 11.5, 1200, 5, 1))
	defer server.Close()

	ch, store, _ := testChannel(t, server.URL)
	if err := ch.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	// An ADS-B channel sees the same airframe under its ICAO address
	rec, created := store.GetOrCreate(track.NewKeyICAO("DD0C07"))
	if created {
		t.Fatal("ICAO sighting created a duplicate record")
	}
	if rec.Key().Type != track.KeyFLARM {
		t.Errorf("Expected sighting filed under FLARM key, got %v", rec.Key().Type)
	}
}

// TestPrivacyFlags tests the TRACKED and IDENTIFIED handling.
func TestPrivacyFlags(t *testing.T) {
	server := liveServer(t,
		marker("BADBAD", 48.1, 11.5, 1200, 5, 1), // TRACKED='N'
		marker("C0FFEE", 48.2, 11.6, 1500, 5, 1), // IDENTIFIED='N'
	)
	defer server.Close()

	ch, store, _ := testChannel(t, server.URL)
	if err := ch.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if _, ok := store.Get(track.NewKey(track.KeyFLARM, "BADBAD")); ok {
		t.Error("Untracked device must not appear")
	}
	if store.Count() != 1 {
		t.Fatalf("Expected only the anonymized aircraft, got %d", store.Count())
	}

	// the anonymized aircraft carries a generated key and call sign
	var rec *track.Record
	store.ForEach(func(r *track.Record) bool {
		rec = r
		return true
	})
	if rec.Key().Type != track.KeyOGN {
		t.Errorf("Expected generated OGN key, got %v", rec.Key().Type)
	}
	static := rec.Static()
	if static.Registration != "" {
		t.Errorf("Anonymized aircraft must not carry a registration, got %q", static.Registration)
	}
	if !strings.HasPrefix(static.Call, "?") || len(static.Call) != 5 {
		t.Errorf("Expected generated ?XXXX call sign, got %q", static.Call)
	}

	// the generated key must be reachable through the normal constructor,
	// the way the API and queue rebuild keys from their string form
	if _, ok := store.Get(track.NewKey(track.KeyOGN, rec.Key().Value)); !ok {
		t.Error("Anonymized record should be found via a NewKey-built key")
	}
}

// TestAnonymousIDStable tests that a device keeps its generated identity.
func TestAnonymousIDStable(t *testing.T) {
	ch, _, _ := testChannel(t, "")
	a := ch.anonymize("C0FFEE", 'F')
	b := ch.anonymize("C0FFEE", 'F')
	if a != b {
		t.Errorf("Generated identity not stable: %+v vs %+v", a, b)
	}
	other := ch.anonymize("C0FFEF", 'F')
	if other.id == a.id || other.call == a.call {
		t.Error("Different devices share a generated identity")
	}
}

// TestSkipsStaleAndStatic tests the age cutoff, the static-object filter
// and the out-of-box guard.
func TestSkipsStaleAndStatic(t *testing.T) {
	server := liveServer(t,
		marker("DD0C07", 48.1, 11.5, 1200, 120, 1), // older than buffering period
		marker("AB1234", 48.2, 11.6, 800, 5, 15),   // static object
		marker("3C66B2", 10.0, 11.5, 950, 5, 8),    // far outside the requested box
	)
	defer server.Close()

	ch, store, _ := testChannel(t, server.URL)
	if err := ch.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no aircraft, got %d", store.Count())
	}
}

func TestExtractMarkers(t *testing.T) {
	body := []byte(`<markers>
<style class="x">ignored</style>
<m a="50.88,11.64,DRF,D-HDSO,416,20:45:52,140,293,169,-0.8,1,EDBJ,DD0C07,db9d47d1"/>
<m a="53.55,10.15,_0e,a07f1e0e,108,20:47:57,15,0,0,-0.3,1,EDDHEast,0,a07f1e0e"/>
</markers>`)
	got := extractMarkers(body)
	if len(got) != 2 {
		t.Fatalf("Expected 2 markers, got %d", len(got))
	}
	if !strings.HasPrefix(got[0], "50.88,") {
		t.Errorf("Unexpected first marker: %s", got[0])
	}
}
