package ogn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// ddbURL serves the OGN device database as quoted CSV.
const ddbURL = "http://ddb.glidernet.org/download/"

// ddbRefreshInterval is how often the device list is re-downloaded.
// Registrations change rarely; once a day is plenty.
const ddbRefreshInterval = 24 * time.Hour

// Device is one entry of the OGN device database. The Tracked and
// Identified flags are the owner's privacy choices and must be honored:
// untracked devices are dropped entirely, unidentified ones lose any
// identifying data and get an anonymous key.
type Device struct {
	DevType       byte // 'F' FLARM, 'O' OGN tracker, 'I' ICAO address
	Model         string
	Registration  string
	CompetitionNo string
	Tracked       bool
	Identified    bool
}

// DeviceDB is the in-memory OGN device database, keyed by uppercase hex
// device id.
type DeviceDB struct {
	mu      sync.RWMutex
	devices map[string]Device
	loaded  time.Time
}

// NewDeviceDB creates an empty database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{devices: make(map[string]Device)}
}

// Lookup finds a device by hex id. Devices not in the database are
// treated as trackable OGN trackers without identifying data, matching
// how the network itself treats them.
func (db *DeviceDB) Lookup(devID string) Device {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if dev, ok := db.devices[strings.ToUpper(devID)]; ok {
		return dev
	}
	return Device{DevType: 'O', Tracked: true, Identified: true}
}

// Len returns the number of known devices.
func (db *DeviceDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.devices)
}

// Stale reports whether the database needs a (re-)download.
func (db *DeviceDB) Stale() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return time.Since(db.loaded) > ddbRefreshInterval
}

// Load replaces the database content from the quoted-CSV download
// format. The first line names the columns, e.g.
//
//	#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED
//
// and every further line carries the values wrapped in single quotes.
func (db *DeviceDB) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	// column indexes, learned from the header line
	idIdx, typeIdx, mdlIdx, regIdx, cnIdx, trackedIdx, identifiedIdx := -1, -1, -1, -1, -1, -1, -1

	devices := make(map[string]Device)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")

		if strings.HasPrefix(fields[0], "#") {
			fields[0] = strings.TrimPrefix(fields[0], "#")
			for i, name := range fields {
				switch name {
				case "DEVICE_ID":
					idIdx = i
				case "DEVICE_TYPE":
					typeIdx = i
				case "AIRCRAFT_MODEL":
					mdlIdx = i
				case "REGISTRATION":
					regIdx = i
				case "CN":
					cnIdx = i
				case "TRACKED":
					trackedIdx = i
				case "IDENTIFIED":
					identifiedIdx = i
				}
			}
			continue
		}
		if idIdx < 0 {
			return fmt.Errorf("device list has no header line")
		}

		get := func(i int) string {
			if i < 0 || i >= len(fields) {
				return ""
			}
			return strings.Trim(fields[i], "'")
		}

		id := strings.ToUpper(get(idIdx))
		if id == "" {
			continue
		}
		dev := Device{
			Model:         get(mdlIdx),
			Registration:  get(regIdx),
			CompetitionNo: get(cnIdx),
			Tracked:       get(trackedIdx) == "Y",
			Identified:    get(identifiedIdx) == "Y",
		}
		if t := get(typeIdx); t != "" {
			dev.DevType = t[0]
		}
		devices[id] = dev
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read device list: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("device list was empty")
	}

	db.mu.Lock()
	db.devices = devices
	db.loaded = time.Now()
	db.mu.Unlock()
	return nil
}

// Download fetches and loads the current device database.
func (db *DeviceDB) Download(ctx context.Context, get func(ctx context.Context, url string) (io.ReadCloser, error)) error {
	body, err := get(ctx, ddbURL)
	if err != nil {
		return fmt.Errorf("device list download failed: %w", err)
	}
	defer body.Close()

	if err := db.Load(body); err != nil {
		return err
	}
	log.Printf("[ogn] device list downloaded, %d devices", db.Len())
	return nil
}
