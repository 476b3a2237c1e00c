package track

import (
	"testing"
	"time"

	"github.com/unklstewy/skyfeed/pkg/geo"
)

// TestKeyOrdering tests the namespace-aware key order.
func TestKeyOrdering(t *testing.T) {
	t.Run("Namespace precedence", func(t *testing.T) {
		ogn := NewKey(KeyOGN, "DD1234")
		flarm := NewKey(KeyFLARM, "DD1234")
		icao := NewKeyICAO("DD1234")

		if !ogn.Less(flarm) || !flarm.Less(icao) {
			t.Error("Expected OGN < FLARM < ICAO for equal values")
		}
	})

	t.Run("Numeric order within namespace", func(t *testing.T) {
		a := NewKeyICAO("0A0001")
		b := NewKeyICAO("A00001")
		if !a.Less(b) {
			t.Error("Expected hex values to compare numerically")
		}
	})

	t.Run("Equality is namespace-aware", func(t *testing.T) {
		if NewKeyICAO("DD1234") == NewKey(KeyFLARM, "DD1234") {
			t.Error("Same value in different namespaces must not be equal")
		}
	})

	t.Run("Value normalized to upper case", func(t *testing.T) {
		if NewKeyICAO("3c66b2") != NewKeyICAO("3C66B2") {
			t.Error("Hex case should not matter")
		}
	})

	t.Run("Construction path does not fork identity", func(t *testing.T) {
		literal := Key{Type: KeyOGN, Value: "01000001"}
		built := NewKey(KeyOGN, "01000001")
		if literal != built {
			t.Errorf("Keys with equal namespace and value must be equal: %#v vs %#v", literal, built)
		}

		store := NewStore()
		store.GetOrCreate(literal)
		if _, ok := store.Get(built); !ok {
			t.Error("Record stored under a literal key should be found via NewKey")
		}
	})
}

// TestStoreGetOrCreate tests lazy record creation.
func TestStoreGetOrCreate(t *testing.T) {
	store := NewStore()
	key := NewKeyICAO("3C66B2")

	rec, created := store.GetOrCreate(key)
	if !created {
		t.Error("First access should create the record")
	}
	rec2, created := store.GetOrCreate(key)
	if created {
		t.Error("Second access should not create")
	}
	if rec != rec2 {
		t.Error("Expected the same record instance")
	}
	if store.Count() != 1 {
		t.Errorf("Expected 1 record, got %d", store.Count())
	}
}

// TestStoreIterationOrder tests that ForEach visits records in key order.
func TestStoreIterationOrder(t *testing.T) {
	store := NewStore()
	store.GetOrCreate(NewKeyICAO("A00001"))
	store.GetOrCreate(NewKey(KeyFLARM, "DD1234"))
	store.GetOrCreate(NewKeyICAO("3C66B2"))
	store.GetOrCreate(NewKey(KeyOGN, "123456"))

	var keys []Key
	store.ForEach(func(rec *Record) bool {
		keys = append(keys, rec.Key())
		return true
	})

	if len(keys) != 4 {
		t.Fatalf("Expected 4 records, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if !keys[i-1].Less(keys[i]) {
			t.Errorf("Iteration out of order at %d: %v before %v", i, keys[i-1], keys[i])
		}
	}
}

// TestCrossReference tests ICAO-to-FLARM deduplication.
func TestCrossReference(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	pos := geo.Position{Latitude: 48.0, Longitude: 11.0, Altitude: 3000, Timestamp: base}

	t.Run("ICAO lookup follows link", func(t *testing.T) {
		store := NewStore()
		flarmKey := NewKey(KeyFLARM, "DD1234")
		store.GetOrCreate(flarmKey)
		store.Link("4B1617", flarmKey)

		rec, created := store.GetOrCreate(NewKeyICAO("4B1617"))
		if created {
			t.Error("Linked ICAO address should resolve to the existing record")
		}
		if rec.Key() != flarmKey {
			t.Errorf("Expected key %v, got %v", flarmKey, rec.Key())
		}
		if store.Count() != 1 {
			t.Errorf("Expected 1 record after dedup, got %d", store.Count())
		}
	})

	t.Run("Existing duplicate folds into target", func(t *testing.T) {
		store := NewStore()
		flarmKey := NewKey(KeyFLARM, "DD1234")

		// Both feeds reported before the association was known
		flarmRec, _ := store.GetOrCreate(flarmKey)
		flarmRec.MergeStatic(StaticData{AcTypeICAO: "GLID"})

		icaoRec, _ := store.GetOrCreate(NewKeyICAO("4B1617"))
		icaoRec.MergeStatic(StaticData{Registration: "HB-3456"})
		icaoRec.AddSighting("adsb", DynamicData{Timestamp: base}, pos)

		store.Link("4B1617", flarmKey)

		if store.Count() != 1 {
			t.Fatalf("Expected convergence to 1 record, got %d", store.Count())
		}
		merged, ok := store.Get(flarmKey)
		if !ok {
			t.Fatal("Target record vanished")
		}
		st := merged.Static()
		if st.AcTypeICAO != "GLID" || st.Registration != "HB-3456" {
			t.Errorf("Duplicate data not folded in: %+v", st)
		}
	})

	t.Run("Link to ICAO key is refused", func(t *testing.T) {
		store := NewStore()
		store.Link("4B1617", NewKeyICAO("3C66B2"))
		rec, _ := store.GetOrCreate(NewKeyICAO("4B1617"))
		if rec.Key() != NewKeyICAO("4B1617") {
			t.Error("ICAO-to-ICAO link should be ignored")
		}
	})
}

// TestStoreSweep tests outdated record removal.
func TestStoreSweep(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := NewStore()

	old, _ := store.GetOrCreate(NewKeyICAO("3C66B2"))
	old.AddSighting("test", DynamicData{Timestamp: base.Add(-10 * time.Minute)},
		geo.Position{Latitude: 48, Longitude: 11, Altitude: 1000, Timestamp: base.Add(-10 * time.Minute)})

	fresh, _ := store.GetOrCreate(NewKeyICAO("A00001"))
	fresh.AddSighting("test", DynamicData{Timestamp: base},
		geo.Position{Latitude: 49, Longitude: 12, Altitude: 2000, Timestamp: base})

	removed := store.Sweep(base, time.Minute)
	if removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}
	if _, ok := store.Get(NewKeyICAO("3C66B2")); ok {
		t.Error("Stale record should be gone")
	}
	if _, ok := store.Get(NewKeyICAO("A00001")); !ok {
		t.Error("Fresh record should survive")
	}
}
