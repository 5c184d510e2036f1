// Package store persists API key records in one of the supported SQL
// backends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/keysmith/internal/connector"
	"github.com/faucetdb/keysmith/internal/connector/mssql"
	"github.com/faucetdb/keysmith/internal/connector/mysql"
	"github.com/faucetdb/keysmith/internal/connector/postgres"
	"github.com/faucetdb/keysmith/internal/connector/sqlite"
	"github.com/faucetdb/keysmith/internal/model"
)

const table = "api_keys"

// columns is the select list shared by every read.
var columns = []string{"id", "api_key", "owner", "created_at", "expires_at", "revoked"}

// Config selects and tunes the backend.
type Config struct {
	Driver  string // sqlite, mysql, postgres, mssql
	DSN     string
	DataDir string // sqlite only, used when DSN is empty
	Pool    model.PoolConfig // zero value selects model.DefaultPoolConfig
}

// Registry returns a connector registry with every supported backend.
func Registry() *connector.Registry {
	r := connector.NewRegistry()
	r.RegisterDriver("sqlite", sqlite.New)
	r.RegisterDriver("mysql", mysql.New)
	r.RegisterDriver("postgres", postgres.New)
	r.RegisterDriver("mssql", mssql.New)
	return r
}

// SQLiteDSN returns the database file DSN under dataDir. An empty dataDir
// yields an in-memory database.
func SQLiteDSN(dataDir string) (string, error) {
	if dataDir == "" {
		return sqlite.MemoryDSN, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dataDir, "keysmith.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

// Store is the key store. It is safe for concurrent use; all state lives in
// the connection pool.
type Store struct {
	conn connector.Connector
	db   *sqlx.DB
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dsn := cfg.DSN
	if dsn == "" && driver == "sqlite" {
		var err error
		if dsn, err = SQLiteDSN(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	pool := cfg.Pool
	if pool == (model.PoolConfig{}) {
		pool = model.DefaultPoolConfig()
	}

	conn, err := Registry().Open(connector.ConnectionConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    pool.MaxOpenConns,
		MaxIdleConns:    pool.MaxIdleConns,
		ConnMaxLifetime: pool.ConnMaxLifetime,
		ConnMaxIdleTime: pool.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return New(ctx, conn)
}

// New wraps an already connected connector and applies the schema.
func New(ctx context.Context, conn connector.Connector) (*Store, error) {
	s := &Store{conn: conn, db: conn.DB()}
	if err := s.migrate(ctx); err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.conn.Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Driver returns the backend name.
func (s *Store) Driver() string { return s.conn.DriverName() }

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Disconnect()
}

// Insert persists a new record and fills in ID. CreatedAt is taken from the
// record when set, otherwise the current time; either way it is stored in
// UTC at microsecond precision. A duplicate key string yields ErrConflict.
func (s *Store) Insert(ctx context.Context, key *model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.CreatedAt = normalize(key.CreatedAt)

	var expires interface{}
	if key.ExpiresAt != nil {
		t := normalize(*key.ExpiresAt)
		key.ExpiresAt = &t
		expires = t
	}
	var owner interface{}
	if key.Owner != nil {
		owner = *key.Owner
	}

	q, args, err := s.conn.BuildInsert(ctx, connector.InsertRequest{
		Table: table,
		Record: map[string]interface{}{
			"api_key":    key.Key,
			"owner":      owner,
			"created_at": key.CreatedAt,
			"expires_at": expires,
			"revoked":    key.Revoked,
		},
		ReturnColumn: "id",
	})
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if s.conn.InsertReturnsRow() {
		err = s.db.QueryRowxContext(ctx, q, args...).Scan(&id)
	} else {
		var res sql.Result
		if res, err = s.db.ExecContext(ctx, q, args...); err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		if s.conn.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}

	key.ID = id
	return nil
}

// FindByKey returns the record whose key string equals apiKey exactly.
func (s *Store) FindByKey(ctx context.Context, apiKey string) (*model.APIKey, error) {
	q, args, err := s.conn.BuildSelect(ctx, connector.SelectRequest{
		Table:     table,
		Fields:    columns,
		KeyColumn: "api_key",
		KeyValue:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find api key: %w", err)
	}
	fixZones(&key)
	return &key, nil
}

// SetRevoked sets revoked = true on the record with this key string and
// returns the affected row count. MySQL counts only rows that changed, so an
// already revoked key reports 0 there.
func (s *Store) SetRevoked(ctx context.Context, apiKey string) (int64, error) {
	q, args, err := s.conn.BuildUpdate(ctx, connector.UpdateRequest{
		Table:     table,
		Set:       map[string]interface{}{"revoked": true},
		KeyColumn: "api_key",
		KeyValue:  apiKey,
	})
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke api key rows affected: %w", err)
	}
	return n, nil
}

// List returns records newest first. A non-positive limit returns all.
func (s *Store) List(ctx context.Context, limit, offset int) ([]model.APIKey, error) {
	if limit <= 0 {
		offset = 0
	}
	q, args, err := s.conn.BuildSelect(ctx, connector.SelectRequest{
		Table:  table,
		Fields: columns,
		Order:  s.conn.QuoteIdentifier("id") + " DESC",
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	keys := []model.APIKey{}
	if err := s.db.SelectContext(ctx, &keys, q, args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	for i := range keys {
		fixZones(&keys[i])
	}
	return keys, nil
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// fixZones reports timestamps in UTC whatever zone the driver attached.
func fixZones(k *model.APIKey) {
	k.CreatedAt = k.CreatedAt.UTC()
	if k.ExpiresAt != nil {
		t := k.ExpiresAt.UTC()
		k.ExpiresAt = &t
	}
}
