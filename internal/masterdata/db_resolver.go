package masterdata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/unklstewy/skyfeed/pkg/config"
	"github.com/unklstewy/skyfeed/pkg/track"
)

//go:embed schema.sql
var schemaSQL embed.FS

// DBResolver answers aircraft and route lookups from a local PostgreSQL
// registry. It sits between the file resolver and the network resolvers:
// slower than the flat file but writable, so network answers can be
// cached into it for the next run.
type DBResolver struct {
	db *sql.DB
}

// ConnectDB establishes the database connection and ensures the schema.
func ConnectDB(cfg config.DatabaseConfig) (*DBResolver, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &DBResolver{db: sqlDB}
	if err := r.initSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return r, nil
}

// initSchema creates or updates the registry tables.
func (r *DBResolver) initSchema(ctx context.Context) error {
	schemaBytes, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Name identifies the resolver in logs and status output.
func (r *DBResolver) Name() string {
	return "ac-db-pg"
}

// Close releases the connection pool.
func (r *DBResolver) Close() error {
	return r.db.Close()
}

// Resolve answers a lookup from the registry tables.
func (r *DBResolver) Resolve(ctx context.Context, req Request) (track.StaticData, error) {
	if req.Kind == KindRoute {
		return r.resolveRoute(ctx, req.Call)
	}
	if req.Key.Type != track.KeyICAO {
		return track.StaticData{}, ErrNotFound
	}
	return r.resolveAircraft(ctx, req.Key.Value)
}

func (r *DBResolver) resolveAircraft(ctx context.Context, icao string) (track.StaticData, error) {
	var data track.StaticData
	var reg, acType, man, mdl, op, opICAO sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT registration, ac_type, manufacturer, model, operator, operator_icao
		   FROM aircraft_registry WHERE icao24 = $1`,
		strings.ToUpper(icao),
	).Scan(&reg, &acType, &man, &mdl, &op, &opICAO)
	if errors.Is(err, sql.ErrNoRows) {
		return data, ErrNotFound
	}
	if err != nil {
		return data, fmt.Errorf("aircraft registry query failed: %w", err)
	}

	data.Registration = reg.String
	data.AcTypeICAO = acType.String
	data.Manufacturer = man.String
	data.Model = mdl.String
	data.Operator = op.String
	data.OperatorICAO = opICAO.String
	return data, nil
}

func (r *DBResolver) resolveRoute(ctx context.Context, call string) (track.StaticData, error) {
	var data track.StaticData
	var origin, dest, flightNo sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT origin, destination, flight_no
		   FROM routes WHERE callsign = $1`,
		strings.ToUpper(strings.TrimSpace(call)),
	).Scan(&origin, &dest, &flightNo)
	if errors.Is(err, sql.ErrNoRows) {
		return data, ErrNotFound
	}
	if err != nil {
		return data, fmt.Errorf("route query failed: %w", err)
	}

	data.Origin = origin.String
	data.Destination = dest.String
	data.FlightNo = flightNo.String
	return data, nil
}

// CacheAircraft stores a network answer so later runs can resolve the
// aircraft locally. Existing rows are updated field by field, keeping
// known values when the new answer is sparser.
func (r *DBResolver) CacheAircraft(ctx context.Context, icao string, data track.StaticData) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO aircraft_registry
		     (icao24, registration, ac_type, manufacturer, model, operator, operator_icao, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (icao24) DO UPDATE SET
		     registration  = COALESCE(NULLIF(EXCLUDED.registration, ''), aircraft_registry.registration),
		     ac_type       = COALESCE(NULLIF(EXCLUDED.ac_type, ''), aircraft_registry.ac_type),
		     manufacturer  = COALESCE(NULLIF(EXCLUDED.manufacturer, ''), aircraft_registry.manufacturer),
		     model         = COALESCE(NULLIF(EXCLUDED.model, ''), aircraft_registry.model),
		     operator      = COALESCE(NULLIF(EXCLUDED.operator, ''), aircraft_registry.operator),
		     operator_icao = COALESCE(NULLIF(EXCLUDED.operator_icao, ''), aircraft_registry.operator_icao),
		     updated_at    = NOW()`,
		strings.ToUpper(icao),
		data.Registration, data.AcTypeICAO, data.Manufacturer,
		data.Model, data.Operator, data.OperatorICAO,
	)
	if err != nil {
		return fmt.Errorf("failed to cache aircraft %s: %w", icao, err)
	}
	return nil
}

// CacheRoute stores a resolved route for its call sign.
func (r *DBResolver) CacheRoute(ctx context.Context, call string, data track.StaticData) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routes (callsign, origin, destination, flight_no, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (callsign) DO UPDATE SET
		     origin      = COALESCE(NULLIF(EXCLUDED.origin, ''), routes.origin),
		     destination = COALESCE(NULLIF(EXCLUDED.destination, ''), routes.destination),
		     flight_no   = COALESCE(NULLIF(EXCLUDED.flight_no, ''), routes.flight_no),
		     updated_at  = NOW()`,
		strings.ToUpper(strings.TrimSpace(call)),
		data.Origin, data.Destination, data.FlightNo,
	)
	if err != nil {
		return fmt.Errorf("failed to cache route %s: %w", call, err)
	}
	return nil
}
