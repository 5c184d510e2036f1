package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/keysmith/internal/connector"
)

// erDupEntry is ER_DUP_ENTRY.
const erDupEntry = 1062

// MySQLConnector implements connector.Connector for MySQL databases.
type MySQLConnector struct {
	db *sqlx.DB
}

// New creates a new MySQLConnector.
func New() connector.Connector {
	return &MySQLConnector{}
}

// Connect establishes a connection to the MySQL database. DATETIME columns
// are scanned into time.Time in UTC regardless of what the DSN asked for.
func (c *MySQLConnector) Connect(cfg connector.ConnectionConfig) error {
	dsn, err := prepareDSN(cfg.DSN)
	if err != nil {
		return fmt.Errorf("mysql dsn: %w", err)
	}

	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	c.db = db
	return nil
}

func prepareDSN(dsn string) (string, error) {
	parsed, err := mysqldriver.ParseDSN(connector.SanitizeDSN("mysql", dsn))
	if err != nil {
		return "", err
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// Disconnect closes the database connection pool.
func (c *MySQLConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *MySQLConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB connection pool.
func (c *MySQLConnector) DB() *sqlx.DB {
	return c.db
}

// DriverName returns the driver identifier for MySQL.
func (c *MySQLConnector) DriverName() string { return "mysql" }

// QuoteIdentifier wraps a SQL identifier in backticks, escaping any
// embedded backticks.
func (c *MySQLConnector) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// ParameterPlaceholder returns "?". MySQL ignores the index.
func (c *MySQLConnector) ParameterPlaceholder(_ int) string {
	return "?"
}

// InsertReturnsRow is false; the generated id comes from LastInsertId.
func (c *MySQLConnector) InsertReturnsRow() bool { return false }

// Migrations returns the api_keys DDL. The key column uses a binary
// collation so lookups are case-sensitive.
func (c *MySQLConnector) Migrations() []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS api_keys (" +
			"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, " +
			"api_key VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL, " +
			"owner VARCHAR(255) NULL, " +
			"created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6), " +
			"expires_at DATETIME(6) NULL, " +
			"revoked TINYINT(1) NOT NULL DEFAULT 0, " +
			"UNIQUE KEY uq_api_keys_api_key (api_key), " +
			"KEY idx_api_keys_created_at (created_at)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}
}

// BuildSelect builds a parameterized SELECT.
func (c *MySQLConnector) BuildSelect(_ context.Context, req connector.SelectRequest) (string, []interface{}, error) {
	return connector.BuildSelect(c, req)
}

// BuildInsert builds a single-row INSERT. ReturnColumn is ignored; MySQL
// has no RETURNING.
func (c *MySQLConnector) BuildInsert(_ context.Context, req connector.InsertRequest) (string, []interface{}, error) {
	return connector.BuildInsert(c, req, "")
}

// BuildUpdate builds a parameterized UPDATE.
func (c *MySQLConnector) BuildUpdate(_ context.Context, req connector.UpdateRequest) (string, []interface{}, error) {
	return connector.BuildUpdate(c, req)
}

// IsUniqueViolation matches ER_DUP_ENTRY (1062).
func (c *MySQLConnector) IsUniqueViolation(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == erDupEntry
}
