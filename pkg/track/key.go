package track

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyType identifies the namespace an aircraft key belongs to.
// Different providers identify aircraft differently: most use the 24-bit
// ICAO transponder address, glider networks use FLARM or OGN device ids,
// and some feeds assign their own internal numbers.
type KeyType int

const (
	// KeyUnknown is the zero value and never stored.
	KeyUnknown KeyType = iota

	// KeyOGN is an Open Glider Network tracker id.
	KeyOGN

	// KeyFeedInternal is a provider-assigned internal numeric id used when
	// a feed carries no real-world identifier.
	KeyFeedInternal

	// KeyFLARM is a FLARM device id.
	KeyFLARM

	// KeyFlightID is a textual flight identifier from synthetic-traffic feeds.
	KeyFlightID

	// KeyICAO is the 24-bit ICAO Mode S transponder address.
	KeyICAO
)

// String returns a short namespace label.
func (t KeyType) String() string {
	switch t {
	case KeyOGN:
		return "OGN"
	case KeyFeedInternal:
		return "FEED"
	case KeyFLARM:
		return "FLARM"
	case KeyFlightID:
		return "FLT"
	case KeyICAO:
		return "ICAO"
	default:
		return "?"
	}
}

// Key identifies one aircraft in the store. Two keys are equal only if both
// namespace and value match; an ICAO address and a FLARM id with the same
// hex digits are different aircraft until the cross-reference says otherwise.
// The struct carries nothing beyond these two fields, so Go's == is that
// equality and keys work as map keys regardless of how they were built.
type Key struct {
	Type KeyType

	// Value is the identifier, upper-cased. Hex ids carry no 0x prefix.
	Value string
}

// NewKey builds a key, normalizing the value to upper case.
func NewKey(t KeyType, value string) Key {
	return Key{Type: t, Value: strings.ToUpper(strings.TrimSpace(value))}
}

// NewKeyICAO builds an ICAO key from a hex transponder address.
func NewKeyICAO(hex string) Key {
	return NewKey(KeyICAO, hex)
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Type == KeyUnknown || k.Value == ""
}

// Less imposes a stable order: by namespace first, then numerically where
// the value is hex, then lexically. Store iteration uses this order so a
// full pass over the fleet is reproducible.
func (k Key) Less(other Key) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	if a, b := k.hexValue(), other.hexValue(); a != b {
		return a < b
	}
	return k.Value < other.Value
}

// hexValue is the numeric interpretation of Value for ordering, 0 when the
// value does not parse as hex.
func (k Key) hexValue() uint64 {
	n, err := strconv.ParseUint(k.Value, 16, 64)
	if err != nil {
		return 0
	}
	return n
}

// String renders the key as "ICAO:3C66B2" style.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Value)
}
