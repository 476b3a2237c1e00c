// Package foreflight implements the ForeFlight output channel: it
// detects a ForeFlight app on the local network from its UDP discovery
// broadcast and feeds it GPS, attitude and traffic messages by unicast.
// Message layout per https://www.foreflight.com/support/network-gps/
package foreflight

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

const (
	// discovery datagrams announce the app; both markers must appear
	discoveryMarkerApp = "ForeFlight"
	discoveryMarkerGDL = "GDL90"

	// send cadences per message kind
	gpsInterval      = time.Second
	attitudeInterval = 200 * time.Millisecond

	// minimum gap between any two datagrams, keeping bursts of traffic
	// messages from flooding the local network stack
	minSendGap = 10 * time.Millisecond

	// a target that stayed silent this long is forgotten
	targetExpiry = 60 * time.Second
)

// Channel listens for ForeFlight's discovery broadcast and sends
// position data to discovered instances.
type Channel struct {
	channel.Base

	cfg    config.ForeFlightConfig
	store  *track.Store
	viewer func() geo.Position

	limiter *rate.Limiter

	// logRaw mirrors the debug switch; set before Run starts
	logRaw bool

	mu         sync.Mutex
	target     *net.UDPAddr
	targetSeen time.Time
}

// New creates the ForeFlight sender channel.
func New(cfg config.ForeFlightConfig, trk config.TrackingConfig, store *track.Store,
	viewer func() geo.Position) *Channel {

	return &Channel{
		Base:    channel.NewBase("foreflight", trk.MaxChannelErrors),
		cfg:     cfg,
		store:   store,
		viewer:  viewer,
		limiter: rate.NewLimiter(rate.Every(minSendGap), 1),
	}
}

// SetLogRaw turns on logging of every datagram received on the discovery
// port. Call before Run.
func (c *Channel) SetLogRaw(on bool) {
	c.logRaw = on
}

// Run listens for discovery datagrams and drives the send loop until the
// context is canceled.
func (c *Channel) Run(ctx context.Context) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		log.Printf("[%s] failed to listen on UDP %d: %v", c.Name(), c.cfg.ListenPort, err)
		c.Invalidate(err)
		return
	}
	c.serve(ctx, conn)
}

// serve runs discovery and sending on the given listener.
func (c *Channel) serve(ctx context.Context, conn net.PacketConn) {
	defer conn.Close()
	log.Printf("[%s] listening for discovery broadcasts on %s", c.Name(), conn.LocalAddr())

	// watcher closes the listener to break the blocking read
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	go c.sendLoop(ctx)

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[%s] discovery read failed: %v", c.Name(), err)
			return
		}
		c.handleDiscovery(buf[:n], addr)
	}
}

// handleDiscovery checks a datagram for the app's announcement and
// learns the sender's address as send target.
func (c *Channel) handleDiscovery(data []byte, addr net.Addr) {
	msg := string(data)
	if c.logRaw {
		log.Printf("[%s] raw from %s: %s", c.Name(), addr, msg)
	}
	if !strings.Contains(msg, discoveryMarkerApp) || !strings.Contains(msg, discoveryMarkerGDL) {
		return
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	target := &net.UDPAddr{IP: udpAddr.IP, Port: c.cfg.SendPort}

	c.mu.Lock()
	isNew := c.target == nil || !c.target.IP.Equal(target.IP)
	c.target = target
	c.targetSeen = time.Now()
	c.mu.Unlock()

	if isNew {
		log.Printf("[%s] discovered ForeFlight at %s", c.Name(), target)
	}
}

// currentTarget returns the send target, or nil if none was discovered
// recently. ForeFlight re-broadcasts every few seconds, so a silent
// target has left the network.
func (c *Channel) currentTarget() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil || time.Since(c.targetSeen) > targetExpiry {
		return nil
	}
	return c.target
}

// sendLoop paces the three message kinds on one shared loop.
func (c *Channel) sendLoop(ctx context.Context) {
	trafficInterval := time.Duration(c.cfg.SendTrafficIntervalSeconds) * time.Second
	if trafficInterval <= 0 {
		trafficInterval = 3 * time.Second
	}

	ticker := time.NewTicker(attitudeInterval)
	defer ticker.Stop()

	var lastGPS, lastTraffic time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			target := c.currentTarget()
			if target == nil {
				continue
			}
			conn, err := net.DialUDP("udp", nil, target)
			if err != nil {
				log.Printf("[%s] failed to dial %s: %v", c.Name(), target, err)
				continue
			}

			pos := c.viewer()
			if now.Sub(lastGPS) >= gpsInterval {
				c.send(ctx, conn, formatGPS(pos))
				lastGPS = now
			}
			c.send(ctx, conn, formatAttitude(pos))
			if now.Sub(lastTraffic) >= trafficInterval {
				c.sendTraffic(ctx, conn)
				lastTraffic = now
			}
			conn.Close()
		}
	}
}

// sendTraffic sends one message per known aircraft with a position.
func (c *Channel) sendTraffic(ctx context.Context, conn *net.UDPConn) {
	sent := 0
	c.store.ForEach(func(rec *track.Record) bool {
		pos, ok := rec.LatestPosition()
		if !ok {
			return true
		}
		c.send(ctx, conn, formatTraffic(rec, pos))
		sent++
		return ctx.Err() == nil
	})
	c.SetAircraftServed(sent)
}

// send writes one datagram, paced by the shared minimum gap.
func (c *Channel) send(ctx context.Context, conn *net.UDPConn, msg string) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		log.Printf("[%s] send failed: %v", c.Name(), err)
		if !c.IncErrCnt(err) {
			log.Printf("[%s] too many errors, channel disabled", c.Name())
		}
	}
}

// formatGPS renders the own-ship position message, longitude first:
// "XGPSSkyFeed,-80.11,34.55,1200.1,359.05,55.6"
func formatGPS(pos geo.Position) string {
	return fmt.Sprintf("XGPSSkyFeed,%.3f,%.3f,%.1f,%.3f,%.1f",
		pos.Longitude, pos.Latitude, pos.Altitude*geo.FeetToMeters, 0.0, 0.0)
}

// formatAttitude renders the own-ship attitude message:
// "XATTSkyFeed,180.2,0.1,0.2"
func formatAttitude(_ geo.Position) string {
	// heading, pitch, roll; a ground station has none
	return "XATTSkyFeed,0.0,0.0,0.0"
}

// formatTraffic renders one traffic message, latitude first unlike GPS:
// "XTRAFFICSkyFeed,168,33.854,-118.325,3749.9,-213.0,1,68.2,126.0,KS6"
func formatTraffic(rec *track.Record, pos geo.Position) string {
	key := rec.Key()
	num, _ := strconv.ParseUint(key.Value, 16, 64)

	dyn := rec.Dynamic()
	call := rec.Static().Call
	if call == "" {
		call = rec.Static().Registration
	}
	if call == "" {
		call = key.Value
	}

	airborne := 1
	if pos.OnGround {
		airborne = 0
	}
	return fmt.Sprintf("XTRAFFICSkyFeed,%d,%.3f,%.3f,%.1f,%.1f,%d,%.1f,%.1f,%s",
		num, pos.Latitude, pos.Longitude, pos.Altitude,
		dyn.VerticalRate, airborne, dyn.Heading, dyn.GroundSpeed, call)
}
