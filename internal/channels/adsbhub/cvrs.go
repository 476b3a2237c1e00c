package adsbhub

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/unklstewy/skyfeed/pkg/track"
)

// Compressed VRS record layout, see
// https://www.virtualradarserver.co.uk/Documentation/Formats/CompressedVrs.aspx
// byte 0: overall record length
// bytes 1-3: checksum and transmission type (ignored)
// bytes 4-6: ICAO hex id, big endian
// byte 7: present-fields bitmask
// byte 8: present-flags bitmask
// then the present fields in bitmask order, then one flag value byte if
// any flag bit is set.
const vrsMinRecordLen = 10

// vrsField describes one optional field of a record: its bit in the
// present-fields mask, its encoded size (0 for a length-prefixed string)
// and how its decoded bytes update the accumulating aircraft.
type vrsField struct {
	mask  byte
	name  string
	size  int
	apply func(p *pending, b []byte)
}

// vrsFields lists the fields in wire order.
var vrsFields = []vrsField{
	{0x01, "call sign", 0, func(p *pending, b []byte) {
		p.call = strings.TrimSpace(string(b))
	}},
	{0x02, "altitude", 3, func(p *pending, b []byte) {
		p.pos.Altitude = float64(vrsInt24(b))
	}},
	{0x04, "ground speed", 2, func(p *pending, b []byte) {
		p.dyn.GroundSpeed = float64(vrsInt16(b))
	}},
	{0x08, "track", 2, func(p *pending, b []byte) {
		p.dyn.Heading = float64(vrsInt16(b)) / 10
	}},
	{0x10, "latitude", 4, func(p *pending, b []byte) {
		p.pos.Latitude = float64(vrsFloat32(b))
	}},
	{0x20, "longitude", 4, func(p *pending, b []byte) {
		p.pos.Longitude = float64(vrsFloat32(b))
	}},
	{0x40, "vertical rate", 2, func(p *pending, b []byte) {
		p.dyn.VerticalRate = float64(vrsInt16(b))
	}},
	{0x80, "squawk", 2, func(p *pending, b []byte) {
		p.dyn.Squawk = fmt.Sprintf("%04d", vrsUint16(b))
	}},
}

// flagOnGround marks the on-ground bit in the flags mask and in the flag
// value byte.
const flagOnGround = 0x08

// processVRS consumes one network chunk of Compressed VRS data. A record
// whose declared length exceeds the bytes available so far is parked
// until the next chunk completes it; a chunk ending exactly on a record
// boundary commits the aircraft currently accumulating.
func (c *Channel) processVRS(chunk []byte) error {
	c.binBuf = append(c.binBuf, chunk...)

	for len(c.binBuf) > 0 {
		recLen := int(c.binBuf[0])
		if recLen == 0 {
			return fmt.Errorf("record of declared length 0")
		}
		if recLen > len(c.binBuf) {
			// partial record, wait for more data
			return nil
		}
		if c.logRaw {
			log.Printf("[%s] raw: % X", c.Name(), c.binBuf[:recLen])
		}
		if err := c.processVRSRecord(c.binBuf[:recLen]); err != nil {
			log.Printf("[%s] bad VRS record: %v", c.Name(), err)
			if !c.IncErrCnt(err) {
				return fmt.Errorf("too many decode errors")
			}
		}
		c.binBuf = c.binBuf[recLen:]
	}

	c.commit()
	c.DecErrCnt()
	return nil
}

// processVRSRecord decodes a single record into the accumulating
// aircraft. A record with a different hex id commits the previous one.
func (c *Channel) processVRSRecord(rec []byte) error {
	if len(rec) < vrsMinRecordLen {
		return fmt.Errorf("record too short (%d bytes)", len(rec))
	}

	icao := uint32(rec[4])<<16 | uint32(rec[5])<<8 | uint32(rec[6])
	key := track.NewKeyICAO(fmt.Sprintf("%06X", icao))
	if c.pending.key != key {
		c.commit()
		c.pending.key = key
	}

	fields := rec[7]
	flags := rec[8]
	body := rec[9:]

	for _, f := range vrsFields {
		if fields&f.mask == 0 {
			continue
		}
		size := f.size
		if size == 0 {
			// length-prefixed string
			if len(body) < 1 {
				return fmt.Errorf("truncated %s length", f.name)
			}
			size = int(body[0])
			body = body[1:]
		}
		if len(body) < size {
			return fmt.Errorf("truncated %s field", f.name)
		}
		f.apply(&c.pending, body[:size])
		body = body[size:]
	}

	if flags != 0 {
		if len(body) < 1 {
			return fmt.Errorf("truncated flags byte")
		}
		if flags&flagOnGround != 0 {
			onGround := body[0]&flagOnGround != 0
			c.pending.dyn.OnGround = onGround
			c.pending.pos.OnGround = onGround
		}
	}

	return nil
}

// vrsInt24 decodes the 3-byte big-endian sign-magnitude integer used for
// altitudes. Bit 23 is the sign.
func vrsInt24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v &= 0x7FFFFF
		v = -v
	}
	return v
}

// vrsInt16 decodes a little-endian signed 16-bit value.
func vrsInt16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

// vrsUint16 decodes a little-endian unsigned 16-bit value.
func vrsUint16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// vrsFloat32 decodes a little-endian IEEE 32-bit float.
func vrsFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
