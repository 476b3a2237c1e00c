package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/skyfeed/internal/api"
	"github.com/unklstewy/skyfeed/internal/auth"
	"github.com/unklstewy/skyfeed/internal/channel"
	"github.com/unklstewy/skyfeed/internal/channels/adsbex"
	"github.com/unklstewy/skyfeed/internal/channels/adsbhub"
	"github.com/unklstewy/skyfeed/internal/channels/foreflight"
	"github.com/unklstewy/skyfeed/internal/channels/ogn"
	"github.com/unklstewy/skyfeed/internal/channels/opensky"
	"github.com/unklstewy/skyfeed/internal/masterdata"
	"github.com/unklstewy/skyfeed/internal/publish"
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/geo"
	"github.com/unklstewy/skyfeed/pkg/track"
)

// skyfeedd ingests live aircraft data from the configured providers,
// consolidates it into a shared track store, and serves the result over
// HTTP, NATS and the ForeFlight UDP broadcast.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	flag.Parse()

	log.Println("===========================================")
	log.Println("  SkyFeed Aircraft Tracking Daemon")
	log.Println("===========================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded from: %s", *configPath)
	log.Printf("Viewer position: %.4f, %.4f at %.0f ft",
		cfg.Viewer.Latitude, cfg.Viewer.Longitude, cfg.Viewer.AltitudeFt)
	log.Printf("Search radius: %.0f nm, refresh every %d s",
		cfg.Tracking.SearchRadiusNM, cfg.Tracking.RefreshIntervalSeconds)
	if cfg.Debug.FilterAircraft != "" {
		log.Printf("DEBUG: processing restricted to aircraft %s", cfg.Debug.FilterAircraft)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := track.NewStore()

	// The viewer position centers every provider request. A static
	// position from the config for now; a live feed can replace this.
	viewer := func() geo.Position {
		return geo.Position{
			Latitude:  cfg.Viewer.Latitude,
			Longitude: cfg.Viewer.Longitude,
			Altitude:  cfg.Viewer.AltitudeFt,
			Timestamp: time.Now(),
		}
	}

	registry := channel.NewRegistry()

	// Master-data resolution: file first, then the database registry,
	// then the network. Earlier stages are cheaper; unresolved requests
	// fall through to the next stage. Each resolver's runner registers as
	// a stream channel so it shows in status output and can be restarted.
	queue := masterdata.NewQueue(store,
		time.Duration(cfg.MasterData.RefreshIntervalSeconds)*time.Second,
		time.Duration(cfg.MasterData.IgnoreExpirySeconds)*time.Second)

	var runners []*masterdata.Runner

	if cfg.MasterData.FilePath != "" {
		fileResolver, err := masterdata.NewFileResolver(cfg.MasterData.FilePath)
		if err != nil {
			log.Fatalf("Failed to open aircraft database file: %v", err)
		}
		runners = append(runners, queue.AddResolver(fileResolver))
		log.Printf("✓ File resolver: %s", cfg.MasterData.FilePath)
	}

	var dbResolver *masterdata.DBResolver
	if cfg.Database.Enabled {
		dbResolver, err = masterdata.ConnectDB(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbResolver.Close()
		runners = append(runners, queue.AddResolver(dbResolver))
		log.Printf("✓ Database resolver: %s:%d/%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	}

	if cfg.Channels.OpenSky.MasterDataEnabled {
		// The database doubles as a cache for network answers when present
		var cache opensky.Cache
		if dbResolver != nil {
			cache = dbResolver
		}
		runners = append(runners, queue.AddResolver(opensky.NewResolver(cfg.Channels.OpenSky, cache)))
		log.Println("✓ OpenSky master-data resolver")
	}

	for _, r := range runners {
		registry.AddStreamer(r)
	}

	// Data channels
	filter := cfg.Debug.FilterAircraft
	dataChannels := 0

	if cfg.Channels.OpenSky.Enabled {
		registry.AddPoller(opensky.New(cfg.Channels.OpenSky, cfg.Tracking, store, queue, viewer, filter))
		log.Println("✓ Channel: OpenSky Network")
		dataChannels++
	}
	if cfg.Channels.ADSBEx.Enabled {
		registry.AddPoller(adsbex.New(cfg.Channels.ADSBEx, cfg.Tracking, store, queue, viewer, filter))
		log.Println("✓ Channel: ADS-B Exchange")
		dataChannels++
	}
	if cfg.Channels.OGN.Enabled {
		registry.AddPoller(ogn.New(cfg.Channels.OGN, cfg.Tracking, store, queue, viewer, filter))
		log.Println("✓ Channel: Open Glider Network")
		dataChannels++
	}
	if cfg.Channels.ADSBHub.Enabled {
		hub := adsbhub.New(cfg.Channels.ADSBHub, cfg.Tracking, store, queue, viewer, filter)
		hub.SetLogRaw(cfg.Debug.LogRawData)
		registry.AddStreamer(hub)
		log.Println("✓ Channel: ADSBHub stream")
		dataChannels++
	}
	if cfg.Channels.ForeFlight.Enabled {
		ff := foreflight.New(cfg.Channels.ForeFlight, cfg.Tracking, store, viewer)
		ff.SetLogRaw(cfg.Debug.LogRawData)
		registry.AddStreamer(ff)
		log.Println("✓ Channel: ForeFlight broadcast")
		dataChannels++
	}
	if dataChannels == 0 {
		log.Fatal("Error: no channels enabled in configuration")
	}

	// Scheduler drives the pollers and the housekeeping sweeps. The
	// maintenance cadence follows the short master-data interval; the
	// outdated threshold only decides what the sweep removes.
	scheduler := channel.NewScheduler(registry,
		time.Duration(cfg.Tracking.RefreshIntervalSeconds)*time.Second,
		time.Duration(cfg.MasterData.RefreshIntervalSeconds)*time.Second)

	outdated := time.Duration(cfg.Tracking.OutdatedIntervalSeconds) * time.Second
	scheduler.OnMaintenance(func(now time.Time) {
		if removed := store.Sweep(now, outdated); removed > 0 {
			log.Printf("Swept %d outdated aircraft, %d remain", removed, store.Count())
		}
		queue.Purge(now)
	})

	// Optional NATS output, one update per aircraft per refresh cycle
	if cfg.Publish.Enabled {
		publisher, err := publish.New(cfg.Publish, store)
		if err != nil {
			log.Fatalf("Failed to set up NATS publishing: %v", err)
		}
		defer publisher.Close()
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Tracking.RefreshIntervalSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := publisher.PublishAll(ctx); err != nil && ctx.Err() == nil {
						log.Printf("Publish failed: %v", err)
					}
				}
			}
		}()
	}

	// Optional status API
	var httpServer *http.Server
	if cfg.Server.Enabled {
		var authSvc *auth.Service
		if cfg.Server.JWTSecret != "" {
			authSvc = auth.NewService(cfg.Server.JWTSecret, 0)
			log.Println("✓ API token authentication enabled")
		}
		apiServer := api.NewServer(store, registry, authSvc)
		httpServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
			Handler:      apiServer.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Printf("Status API listening on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	go scheduler.Run(ctx)
	log.Println("\nIngestion running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("\nShutting down...")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	log.Printf("Final state: %d aircraft tracked", store.Count())
	log.Println("Goodbye!")
}
