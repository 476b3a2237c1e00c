package adsbhub

import (
	"bytes"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/unklstewy/skyfeed/pkg/track"
)

// SBS BaseStation field positions within a MSG record.
// See http://woodair.net/sbs/article/barebones42_socket_data.htm
const (
	sbsFieldHexID    = 4
	sbsFieldDateLog  = 8
	sbsFieldTimeLog  = 9
	sbsFieldCall     = 10
	sbsFieldAltitude = 11
	sbsFieldSpeed    = 12
	sbsFieldTrack    = 13
	sbsFieldLat      = 14
	sbsFieldLon      = 15
	sbsFieldVRate    = 16
	sbsFieldSquawk   = 17
	sbsFieldGround   = 21
)

// processSBS consumes one network chunk of SBS text. Lines spanning two
// chunks are buffered; a chunk ending exactly on a line boundary also
// commits the aircraft currently accumulating, since the burst of records
// about it is complete.
func (c *Channel) processSBS(chunk []byte) error {
	c.lineBuf = append(c.lineBuf, chunk...)

	for {
		i := bytes.IndexByte(c.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(c.lineBuf[:i]), "\r")
		c.lineBuf = c.lineBuf[i+1:]

		if c.logRaw {
			log.Printf("[%s] raw: %s", c.Name(), line)
		}
		if err := c.processSBSLine(line); err != nil {
			log.Printf("[%s] bad SBS line: %v", c.Name(), err)
			if !c.IncErrCnt(err) {
				return fmt.Errorf("too many decode errors")
			}
		}
	}

	if len(c.lineBuf) == 0 {
		c.commit()
	}

	c.DecErrCnt()
	return nil
}

// processSBSLine decodes one MSG record into the accumulating aircraft.
// ADSBHub only relays MSG records, typically three per aircraft with
// complementary fields; empty fields mean "no update". A record with a
// different hex id commits the previous aircraft first.
func (c *Channel) processSBSLine(line string) error {
	if line == "" {
		return nil
	}
	fields := strings.Split(line, ",")
	if fields[0] != "MSG" {
		// Other record classes carry nothing we use
		return nil
	}
	if len(fields) <= sbsFieldTimeLog {
		return fmt.Errorf("record too short (%d fields)", len(fields))
	}

	hexID := strings.ToUpper(strings.TrimSpace(fields[sbsFieldHexID]))
	if hexID == "" {
		return fmt.Errorf("record without hex id")
	}
	key := track.NewKeyICAO(hexID)
	if c.pending.key != key {
		c.commit()
		c.pending.key = key
	}

	if ts, err := parseSBSTime(fields[sbsFieldDateLog], fields[sbsFieldTimeLog]); err == nil {
		c.pending.pos.Timestamp = ts
		c.pending.dyn.Timestamp = ts
	}

	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	if v := get(sbsFieldCall); v != "" {
		c.pending.call = v
	}
	if v := get(sbsFieldAltitude); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.pos.Altitude = f
		}
	}
	if v := get(sbsFieldSpeed); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.dyn.GroundSpeed = f
		}
	}
	if v := get(sbsFieldTrack); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.dyn.Heading = f
		}
	}
	if v := get(sbsFieldLat); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.pos.Latitude = f
		}
	}
	if v := get(sbsFieldLon); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.pos.Longitude = f
		}
	}
	if v := get(sbsFieldVRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.pending.dyn.VerticalRate = f
		}
	}
	if v := get(sbsFieldSquawk); v != "" {
		c.pending.dyn.Squawk = v
	}
	if v := get(sbsFieldGround); v != "" {
		onGround := v == "1"
		c.pending.dyn.OnGround = onGround
		c.pending.pos.OnGround = onGround
	}

	return nil
}

// parseSBSTime combines the logged date and time fields, which are UTC.
func parseSBSTime(date, tim string) (time.Time, error) {
	return time.ParseInLocation("2006/01/02 15:04:05.999", date+" "+tim, time.UTC)
}
