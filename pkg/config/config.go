package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete application configuration.
type Config struct {
	Tracking   TrackingConfig   `json:"tracking"`
	Viewer     ViewerConfig     `json:"viewer"`
	Channels   ChannelsConfig   `json:"channels"`
	MasterData MasterDataConfig `json:"master_data"`
	Database   DatabaseConfig   `json:"database"`
	Publish    PublishConfig    `json:"publish"`
	Server     ServerConfig     `json:"server"`
	Debug      DebugConfig      `json:"debug"`
}

// TrackingConfig contains the core ingestion timing parameters.
type TrackingConfig struct {
	// RefreshIntervalSeconds is how often polling channels fetch fresh data
	RefreshIntervalSeconds int `json:"refresh_interval_seconds"`

	// OutdatedIntervalSeconds is how long an aircraft may go without fresh
	// data before the maintenance sweep removes it
	OutdatedIntervalSeconds int `json:"outdated_interval_seconds"`

	// BufferingPeriodSeconds is how far behind live the consolidated data
	// is presented. Stream timestamp normalization uses half this value as
	// its hysteresis threshold.
	BufferingPeriodSeconds int `json:"buffering_period_seconds"`

	// SearchRadiusNM limits provider requests to this radius around the
	// viewer position, in nautical miles
	SearchRadiusNM float64 `json:"search_radius_nm"`

	// MaxChannelErrors is how many consecutive network errors a channel
	// may accumulate before it is marked invalid and excluded from
	// scheduling until restarted
	MaxChannelErrors int `json:"max_channel_errors"`
}

// ViewerConfig is the fallback viewer position used to center provider
// requests when no live position feed is attached.
type ViewerConfig struct {
	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// AltitudeFt in feet above mean sea level
	AltitudeFt float64 `json:"altitude_ft"`
}

// ChannelsConfig enables and parameterizes the individual data channels.
type ChannelsConfig struct {
	OpenSky    OpenSkyConfig    `json:"opensky"`
	ADSBEx     ADSBExConfig     `json:"adsbexchange"`
	ADSBHub    ADSBHubConfig    `json:"adsbhub"`
	OGN        OGNConfig        `json:"ogn"`
	ForeFlight ForeFlightConfig `json:"foreflight"`
}

// OpenSkyConfig contains OpenSky Network settings.
type OpenSkyConfig struct {
	// Enabled determines if the OpenSky live channel should run
	Enabled bool `json:"enabled"`

	// BaseURL is the REST API base (default: https://opensky-network.org/api)
	BaseURL string `json:"base_url"`

	// TokenURL is the OAuth2 token endpoint
	TokenURL string `json:"token_url"`

	// ClientID for OAuth2 client-credentials authentication
	ClientID string `json:"client_id"`

	// ClientSecret for OAuth2 authentication (prefer the environment
	// variable SKYFEED_OPENSKY_SECRET over the config file)
	ClientSecret string `json:"client_secret,omitempty"`

	// MasterDataEnabled determines if OpenSky should also serve as a
	// network master-data resolver
	MasterDataEnabled bool `json:"master_data_enabled"`
}

// ADSBExConfig contains ADS-B Exchange settings.
type ADSBExConfig struct {
	// Enabled determines if the channel should run
	Enabled bool `json:"enabled"`

	// BaseURL is the API base URL
	BaseURL string `json:"base_url"`

	// APIKey authenticates requests; the remaining request quota is read
	// from response headers and logged when it runs low
	APIKey string `json:"api_key,omitempty"`
}

// ADSBHubConfig contains the ADSBHub TCP stream settings.
type ADSBHubConfig struct {
	// Enabled determines if the stream channel should run
	Enabled bool `json:"enabled"`

	// Host of the ADSBHub data server
	Host string `json:"host"`

	// Port of the data stream (5002 delivers SBS or Compressed VRS,
	// auto-detected from the first bytes)
	Port int `json:"port"`
}

// OGNConfig contains Open Glider Network settings.
type OGNConfig struct {
	// Enabled determines if the OGN channel should run
	Enabled bool `json:"enabled"`

	// BaseURL of the live glider-data service
	BaseURL string `json:"base_url"`
}

// ForeFlightConfig contains the ForeFlight UDP output settings.
type ForeFlightConfig struct {
	// Enabled determines if the UDP sender should run
	Enabled bool `json:"enabled"`

	// ListenPort is the discovery port ForeFlight broadcasts on (49002)
	ListenPort int `json:"listen_port"`

	// SendPort is the unicast destination port (49002)
	SendPort int `json:"send_port"`

	// SendTrafficIntervalSeconds is the pause between full traffic rounds
	SendTrafficIntervalSeconds int `json:"send_traffic_interval_seconds"`
}

// MasterDataConfig controls aircraft master-data resolution.
type MasterDataConfig struct {
	// FilePath points to the sorted CSV aircraft database. Empty disables
	// the file resolver.
	FilePath string `json:"file_path,omitempty"`

	// RefreshIntervalSeconds is how often resolvers pick up queued
	// requests. Shorter than the tracking refresh so labels fill quickly.
	RefreshIntervalSeconds int `json:"refresh_interval_seconds"`

	// IgnoreExpirySeconds is how long a key stays on a resolver's ignore
	// list after a definitive not-found answer
	IgnoreExpirySeconds int `json:"ignore_expiry_seconds"`
}

// DatabaseConfig contains the optional PostgreSQL registry used as a
// local master-data resolver.
type DatabaseConfig struct {
	// Enabled determines if the database resolver should be used
	Enabled bool `json:"enabled"`

	// Host is the database server hostname
	Host string `json:"host"`

	// Port is the database server port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// Username for database authentication
	Username string `json:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password,omitempty"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns"`
}

// PublishConfig contains the optional NATS output settings.
type PublishConfig struct {
	// Enabled determines if consolidated updates are published
	Enabled bool `json:"enabled"`

	// URL of the NATS server (e.g. "nats://localhost:4222")
	URL string `json:"url"`

	// SubjectPrefix for published messages; the aircraft key is appended
	SubjectPrefix string `json:"subject_prefix"`
}

// ServerConfig contains the HTTP status server configuration.
type ServerConfig struct {
	// Enabled determines if the status API should be served
	Enabled bool `json:"enabled"`

	// Port is the HTTP server port (default: 8087)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// JWTSecret protects the mutating endpoints when set. Empty leaves
	// them open, which is only sensible on a trusted network.
	JWTSecret string `json:"jwt_secret,omitempty"`
}

// DebugConfig contains development and troubleshooting switches.
type DebugConfig struct {
	// FilterAircraft restricts processing to a single ICAO hex address.
	// All other traffic is dropped at ingestion. Empty disables the filter.
	FilterAircraft string `json:"filter_aircraft,omitempty"`

	// LogRawData logs every raw record received from stream channels
	LogRawData bool `json:"log_raw_data"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			RefreshIntervalSeconds:  20,
			OutdatedIntervalSeconds: 90,
			BufferingPeriodSeconds:  90,
			SearchRadiusNM:          100.0,
			MaxChannelErrors:        5,
		},
		Viewer: ViewerConfig{
			Latitude:   0.0,
			Longitude:  0.0,
			AltitudeFt: 0.0,
		},
		Channels: ChannelsConfig{
			OpenSky: OpenSkyConfig{
				Enabled:           true,
				BaseURL:           "https://opensky-network.org/api",
				TokenURL:          "https://auth.opensky-network.org/auth/realms/opensky-network/protocol/openid-connect/token",
				MasterDataEnabled: true,
			},
			ADSBEx: ADSBExConfig{
				Enabled: false,
				BaseURL: "https://adsbexchange-com1.p.rapidapi.com/v2",
			},
			ADSBHub: ADSBHubConfig{
				Enabled: false,
				Host:    "data.adsbhub.org",
				Port:    5002,
			},
			OGN: OGNConfig{
				Enabled: false,
				BaseURL: "http://live.glidernet.org/lxml.php",
			},
			ForeFlight: ForeFlightConfig{
				Enabled:                    false,
				ListenPort:                 49002,
				SendPort:                   49002,
				SendTrafficIntervalSeconds: 3,
			},
		},
		MasterData: MasterDataConfig{
			RefreshIntervalSeconds: 5,
			IgnoreExpirySeconds:    600,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "skyfeed",
			Username:     "skyfeed",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Publish: PublishConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "skyfeed.tracks",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    "8087",
			Host:    "0.0.0.0",
		},
	}
}

// validate rejects configurations the daemon cannot run with.
func (c *Config) validate() error {
	if c.Tracking.RefreshIntervalSeconds < 1 {
		return fmt.Errorf("tracking.refresh_interval_seconds must be >= 1, got %d",
			c.Tracking.RefreshIntervalSeconds)
	}
	if c.Tracking.OutdatedIntervalSeconds < c.Tracking.RefreshIntervalSeconds {
		return fmt.Errorf("tracking.outdated_interval_seconds (%d) must not be shorter than the refresh interval (%d)",
			c.Tracking.OutdatedIntervalSeconds, c.Tracking.RefreshIntervalSeconds)
	}
	if c.Tracking.MaxChannelErrors < 1 {
		return fmt.Errorf("tracking.max_channel_errors must be >= 1, got %d",
			c.Tracking.MaxChannelErrors)
	}
	if c.Channels.ADSBHub.Enabled && c.Channels.ADSBHub.Host == "" {
		return fmt.Errorf("channels.adsbhub.host is required when the channel is enabled")
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// config. This allows credentials to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("SKYFEED_PORT"); port != "" {
		c.Server.Port = port
	}
	if secret := os.Getenv("SKYFEED_OPENSKY_SECRET"); secret != "" {
		c.Channels.OpenSky.ClientSecret = secret
	}
	if id := os.Getenv("SKYFEED_OPENSKY_CLIENT_ID"); id != "" {
		c.Channels.OpenSky.ClientID = id
	}
	if key := os.Getenv("SKYFEED_ADSBEX_API_KEY"); key != "" {
		c.Channels.ADSBEx.APIKey = key
	}
	if pw := os.Getenv("SKYFEED_DB_PASSWORD"); pw != "" {
		c.Database.Password = pw
	}
	if url := os.Getenv("SKYFEED_NATS_URL"); url != "" {
		c.Publish.URL = url
	}
	if secret := os.Getenv("SKYFEED_JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
}
