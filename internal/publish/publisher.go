// Package publish emits consolidated per-aircraft updates to NATS.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// conn is the slice of the NATS client the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Update is the JSON document published for each aircraft on every cycle.
type Update struct {
	Key          string    `json:"key"`
	Call         string    `json:"call,omitempty"`
	Registration string    `json:"registration,omitempty"`
	AcType       string    `json:"ac_type,omitempty"`
	Operator     string    `json:"operator,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Altitude     float64   `json:"altitude_ft"`
	GroundSpeed  float64   `json:"ground_speed_kt"`
	Heading      float64   `json:"heading"`
	VerticalRate float64   `json:"vertical_rate_fpm"`
	Squawk       string    `json:"squawk,omitempty"`
	OnGround     bool      `json:"on_ground"`
	Channel      string    `json:"channel,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher pushes one message per tracked aircraft onto a NATS subject.
type Publisher struct {
	nc     conn
	prefix string
	store  *track.Store
}

// New connects to the NATS server named in the configuration.
func New(cfg config.PublishConfig, store *track.Store) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("skyfeed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Printf("Publishing aircraft updates to %s (subject prefix %s)", cfg.URL, cfg.SubjectPrefix)
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix, store: store}, nil
}

// PublishAll sends the current state of every aircraft with a position.
// Returns the number of messages published.
func (p *Publisher) PublishAll(ctx context.Context) (int, error) {
	now := time.Now()
	published := 0
	var firstErr error
	p.store.ForEach(func(rec *track.Record) bool {
		if ctx.Err() != nil {
			return false
		}
		update, ok := updateFromRecord(rec, now)
		if !ok {
			return true
		}
		data, err := json.Marshal(update)
		if err != nil {
			return true
		}
		if err := p.nc.Publish(subject(p.prefix, rec.Key()), data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return false
		}
		published++
		return true
	})
	if firstErr != nil {
		return published, fmt.Errorf("failed to publish aircraft update: %w", firstErr)
	}
	return published, ctx.Err()
}

// Close drains buffered messages and disconnects.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Printf("Error draining NATS connection: %v", err)
	}
}

// subject builds the per-aircraft subject. NATS subjects use '.' as a
// token separator, so the key value must not introduce extra tokens.
func subject(prefix string, key track.Key) string {
	value := strings.ReplaceAll(key.Value, ".", "_")
	return fmt.Sprintf("%s.%s.%s", prefix, strings.ToLower(key.Type.String()), value)
}

func updateFromRecord(rec *track.Record, now time.Time) (Update, bool) {
	pos, ok := rec.LatestPosition()
	if !ok {
		return Update{}, false
	}
	static := rec.Static()
	dyn := rec.Dynamic()
	return Update{
		Key:          rec.Key().String(),
		Call:         static.Call,
		Registration: static.Registration,
		AcType:       static.AcTypeICAO,
		Operator:     static.Operator,
		Origin:       static.Origin,
		Destination:  static.Destination,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		Altitude:     pos.Altitude,
		GroundSpeed:  dyn.GroundSpeed,
		Heading:      dyn.Heading,
		VerticalRate: dyn.VerticalRate,
		Squawk:       dyn.Squawk,
		OnGround:     pos.OnGround,
		Channel:      rec.Channel(),
		Timestamp:    pos.Timestamp,
	}, true
}
