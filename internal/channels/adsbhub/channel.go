// Package adsbhub implements the ADSBHub TCP stream channel. ADSBHub
// delivers either SBS text records or Compressed VRS binary records on
// the same port; the format is detected from the first bytes received.
package adsbhub

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

const (
	// readBufSize is the TCP read buffer size.
	readBufSize = 8192

	// readTimeout bounds a single read. ADSBHub sends something every
	// few seconds, so a minute of silence means the stream is dead.
	readTimeout = 60 * time.Second

	// reconnectDelay is the pause before re-dialing a broken stream.
	reconnectDelay = 10 * time.Second

	// assumedMessageAge substitutes for a missing message timestamp.
	assumedMessageAge = 3 * time.Second
)

// stream data format, detected from the first received bytes
type streamFormat int

const (
	formatUnknown streamFormat = iota
	formatSBS
	formatVRS
)

func (f streamFormat) String() string {
	switch f {
	case formatSBS:
		return "SBS"
	case formatVRS:
		return "Compressed VRS"
	}
	return "unknown"
}

// pending accumulates the fields of the aircraft currently being
// received. Both wire formats interleave several records about the same
// aircraft; a record carrying a different hex id commits the previous
// aircraft.
type pending struct {
	key  track.Key
	dyn  track.DynamicData
	pos  geo.Position
	call string
}

// Channel maintains the TCP stream and feeds decoded sightings into the
// track store.
type Channel struct {
	channel.Base

	cfg     config.ADSBHubConfig
	store   *track.Store
	queue   *masterdata.Queue
	viewer  func() geo.Position
	radiusM float64
	filter  string
	adjust  *Adjuster

	// logRaw mirrors the debug switch; set before Run starts
	logRaw bool

	format  streamFormat
	pending pending
	lineBuf []byte
	binBuf  []byte

	// seen holds the aircraft committed recently, feeding the
	// served-aircraft gauge of a stream that has no poll cycles.
	seen map[track.Key]time.Time
}

// New creates the ADSBHub stream channel.
func New(cfg config.ADSBHubConfig, trk config.TrackingConfig, store *track.Store,
	queue *masterdata.Queue, viewer func() geo.Position, filter string) *Channel {

	return &Channel{
		Base:    channel.NewBase("adsbhub", trk.MaxChannelErrors),
		cfg:     cfg,
		store:   store,
		queue:   queue,
		viewer:  viewer,
		radiusM: trk.SearchRadiusNM * geo.MetersPerNauticalMile,
		filter:  strings.ToUpper(filter),
		adjust:  NewAdjuster(time.Duration(trk.BufferingPeriodSeconds) * time.Second),
		seen:    make(map[track.Key]time.Time),
	}
}

// SetLogRaw turns on logging of every raw record received from the
// stream. Call before Run.
func (c *Channel) SetLogRaw(on bool) {
	c.logRaw = on
}

// Run maintains the stream connection until the context is canceled.
// Broken connections are re-dialed after a short delay; each failed
// attempt counts against the channel's error budget.
func (c *Channel) Run(ctx context.Context) {
	for c.IsEnabled() {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[%s] stream failed: %v", c.Name(), err)
			if !c.IncErrCnt(err) {
				log.Printf("[%s] too many errors, channel disabled", c.Name())
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// stream runs one connection: dial, detect the format, process data
// until the connection breaks or the context ends.
func (c *Channel) stream(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	log.Printf("[%s] connected to %s", c.Name(), addr)

	// Closing the connection is the only way to interrupt a blocked
	// read, so a watcher does it when the context ends.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	c.format = formatUnknown
	c.pending = pending{}
	c.lineBuf = nil
	c.binBuf = nil

	buf := make([]byte, readBufSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		if n == 0 {
			continue
		}

		if c.format == formatUnknown && n >= 3 {
			c.format = detectFormat(buf[:3])
			log.Printf("[%s] receiving %s format", c.Name(), c.format)
		}

		switch c.format {
		case formatSBS:
			err = c.processSBS(buf[:n])
		case formatVRS:
			err = c.processVRS(buf[:n])
		default:
			return fmt.Errorf("received too little data to detect format")
		}
		if err != nil {
			return err
		}
	}
}

// detectFormat decides between SBS text and Compressed VRS binary. SBS
// records start with an alphabetic message class ("MSG", "SEL", "ID").
func detectFormat(p []byte) streamFormat {
	isAlpha := func(b byte) bool {
		return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
	}
	if isAlpha(p[0]) && isAlpha(p[1]) && (isAlpha(p[2]) || p[2] == ',') {
		return formatSBS
	}
	return formatVRS
}

// commit files the accumulated aircraft into the track store and resets
// the accumulator.
func (c *Channel) commit() {
	p := &c.pending
	defer func() { c.pending = pending{} }()

	if p.key.IsZero() {
		return
	}
	if c.filter != "" && p.key.Value != c.filter {
		return
	}

	now := time.Now().UTC()
	if p.pos.Timestamp.IsZero() {
		ts := now.Add(-assumedMessageAge)
		p.pos.Timestamp, p.dyn.Timestamp = ts, ts
	} else {
		c.adjust.Observe(now, p.pos.Timestamp)
		ts := c.adjust.Apply(p.pos.Timestamp)
		p.pos.Timestamp, p.dyn.Timestamp = ts, ts
	}

	if !p.pos.HasPosition() || !p.pos.IsNormal() {
		return
	}

	// ADSBHub sends everything its feeders hear, worldwide. Only
	// aircraft within the configured radius are kept.
	viewer := c.viewer()
	dist := geo.DistanceMeters(viewer, p.pos)
	if dist > c.radiusM {
		return
	}

	rec, _ := c.store.GetOrCreate(p.key)
	if p.call != "" {
		rec.MergeStatic(track.StaticData{Call: p.call})
	}
	rec.AddSighting(c.Name(), p.dyn, p.pos)

	if rec.NeedsLookup(p.call) {
		c.queue.Enqueue(masterdata.Request{
			Key: p.key, Kind: masterdata.KindAircraft, DistanceM: dist,
		})
		if p.call != "" {
			c.queue.Enqueue(masterdata.Request{
				Key: p.key, Kind: masterdata.KindRoute, Call: p.call, DistanceM: dist,
			})
		}
	}

	c.noteServed(p.key, now)
}

// noteServed maintains the served-aircraft gauge from the set of
// aircraft committed within the last minute.
func (c *Channel) noteServed(key track.Key, now time.Time) {
	c.seen[key] = now
	for k, t := range c.seen {
		if now.Sub(t) > time.Minute {
			delete(c.seen, k)
		}
	}
	c.SetAircraftServed(len(c.seen))
}
