package geo

import (
	"math"
	"testing"
)

// TestDistanceMeters tests great-circle distance against known values.
func TestDistanceMeters(t *testing.T) {
	t.Run("Same point", func(t *testing.T) {
		p := Position{Latitude: 48.35, Longitude: 11.78}
		if d := DistanceMeters(p, p); d != 0 {
			t.Errorf("Expected 0 distance, got %f", d)
		}
	})

	t.Run("Known distance", func(t *testing.T) {
		// Munich (EDDM) to Frankfurt (EDDF), roughly 300 km
		muc := Position{Latitude: 48.3538, Longitude: 11.7861}
		fra := Position{Latitude: 50.0379, Longitude: 8.5622}
		d := DistanceMeters(muc, fra)
		if d < 290000 || d > 310000 {
			t.Errorf("Expected ~300km, got %.0f m", d)
		}
	})

	t.Run("Nautical miles conversion", func(t *testing.T) {
		a := Position{Latitude: 0, Longitude: 0.5}
		b := Position{Latitude: 0, Longitude: 1.5}
		// One degree of longitude at the equator is about 60 nm
		nm := DistanceMeters(a, b) / MetersPerNauticalMile
		if nm < 59 || nm > 61 {
			t.Errorf("Expected ~60 nm, got %.2f", nm)
		}
	})
}

// TestIsNormal tests the position sanity check.
func TestIsNormal(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		want bool
	}{
		{"valid cruise", Position{Latitude: 48.0, Longitude: 11.0, Altitude: 35000}, true},
		{"NaN latitude", Position{Latitude: math.NaN(), Longitude: 11.0}, false},
		{"latitude out of range", Position{Latitude: 91.0, Longitude: 11.0, Altitude: 1000}, false},
		{"longitude out of range", Position{Latitude: 48.0, Longitude: 181.0, Altitude: 1000}, false},
		{"absurd altitude", Position{Latitude: 48.0, Longitude: 11.0, Altitude: 120000}, false},
		{"on ground ignores altitude", Position{Latitude: 48.0, Longitude: 11.0, Altitude: 120000, OnGround: true}, true},
		{"below-sea-level airport", Position{Latitude: 31.3, Longitude: 35.4, Altitude: -1200}, true},
		{"too far below sea level", Position{Latitude: 31.3, Longitude: 35.4, Altitude: -5000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.IsNormal(); got != tt.want {
				t.Errorf("IsNormal() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestBoxAround tests bounding box construction.
func TestBoxAround(t *testing.T) {
	t.Run("Contains center", func(t *testing.T) {
		center := Position{Latitude: 48.0, Longitude: 11.0}
		box := BoxAround(center, 100)
		if !box.Contains(center) {
			t.Error("Box should contain its center")
		}
	})

	t.Run("Edge distance roughly matches radius", func(t *testing.T) {
		center := Position{Latitude: 48.0, Longitude: 11.0}
		box := BoxAround(center, 100)
		north := Position{Latitude: box.MaxLat, Longitude: 11.0}
		d := DistanceMeters(center, north) / MetersPerNauticalMile
		if d < 95 || d > 105 {
			t.Errorf("Expected northern edge ~100 nm away, got %.1f", d)
		}
	})

	t.Run("Polar box spans all longitudes", func(t *testing.T) {
		box := BoxAround(Position{Latitude: 89.9, Longitude: 0}, 100)
		if box.MinLon != -180 || box.MaxLon != 180 {
			t.Errorf("Expected full longitude span, got [%f, %f]", box.MinLon, box.MaxLon)
		}
	})

	t.Run("Antimeridian wrap", func(t *testing.T) {
		center := Position{Latitude: 0, Longitude: 179.5}
		box := BoxAround(center, 100)
		inside := Position{Latitude: 0, Longitude: -179.8}
		if !box.Contains(inside) {
			t.Error("Box crossing the antimeridian should contain points on the far side")
		}
		outside := Position{Latitude: 0, Longitude: 170.0}
		if box.Contains(outside) {
			t.Error("Box should not contain points well outside its span")
		}
	})
}
