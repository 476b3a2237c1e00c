package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

type fakeConn struct {
	published map[string][]byte
	failAfter int
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.failAfter > 0 && len(f.published) >= f.failAfter {
		return errors.New("connection lost")
	}
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[subject] = data
	return nil
}

func (f *fakeConn) Drain() error { return nil }

func addAircraft(store *track.Store, key track.Key, call string) {
	rec, _ := store.GetOrCreate(key)
	rec.MergeStatic(track.StaticData{Call: call})
	now := time.Now()
	rec.AddSighting("test", track.DynamicData{
		GroundSpeed: 440,
		Heading:     270,
		Timestamp:   now,
	}, geo.Position{
		Latitude:  48.35,
		Longitude: 11.78,
		Altitude:  37000,
		Timestamp: now,
	})
}

func TestPublishAll(t *testing.T) {
	store := track.NewStore()
	addAircraft(store, track.NewKeyICAO("3C66B2"), "DLH9CK")
	addAircraft(store, track.NewKey(track.KeyFLARM, "DD0C07"), "")

	nc := &fakeConn{}
	p := &Publisher{nc: nc, prefix: "skyfeed.tracks", store: store}

	n, err := p.PublishAll(context.Background())
	if err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 published messages, got %d", n)
	}

	data, ok := nc.published["skyfeed.tracks.icao.3C66B2"]
	if !ok {
		t.Fatalf("Expected subject skyfeed.tracks.icao.3C66B2, got %v", keys(nc.published))
	}
	var update Update
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("Failed to decode update: %v", err)
	}
	if update.Call != "DLH9CK" {
		t.Errorf("Expected call DLH9CK, got %q", update.Call)
	}
	if update.Altitude != 37000 {
		t.Errorf("Expected altitude 37000, got %.0f", update.Altitude)
	}

	if _, ok := nc.published["skyfeed.tracks.flarm.DD0C07"]; !ok {
		t.Errorf("Expected subject skyfeed.tracks.flarm.DD0C07, got %v", keys(nc.published))
	}
}

func TestPublishSkipsRecordsWithoutPosition(t *testing.T) {
	store := track.NewStore()
	rec, _ := store.GetOrCreate(track.NewKeyICAO("A1B2C3"))
	rec.MergeStatic(track.StaticData{Call: "UAL123"})

	nc := &fakeConn{}
	p := &Publisher{nc: nc, prefix: "skyfeed.tracks", store: store}

	n, err := p.PublishAll(context.Background())
	if err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 published messages, got %d", n)
	}
}

func TestPublishStopsOnError(t *testing.T) {
	store := track.NewStore()
	addAircraft(store, track.NewKeyICAO("3C66B2"), "DLH9CK")
	addAircraft(store, track.NewKeyICAO("A1B2C3"), "UAL123")

	nc := &fakeConn{failAfter: 1}
	p := &Publisher{nc: nc, prefix: "skyfeed.tracks", store: store}

	n, err := p.PublishAll(context.Background())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if n != 1 {
		t.Errorf("Expected 1 published message before the failure, got %d", n)
	}
}

func TestSubjectEscaping(t *testing.T) {
	key := track.NewKey(track.KeyFlightID, "BAW.123")
	got := subject("skyfeed.tracks", key)
	want := "skyfeed.tracks.flt.BAW_123"
	if got != want {
		t.Errorf("Expected subject %q, got %q", want, got)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
