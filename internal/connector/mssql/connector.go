package mssql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/faucetdb/keysmith/internal/connector"
)

// Duplicate key in a UNIQUE constraint (2627) or unique index (2601).
const (
	errUniqueConstraint int32 = 2627
	errUniqueIndex      int32 = 2601
)

// MSSQLConnector implements connector.Connector for SQL Server databases.
type MSSQLConnector struct {
	db *sqlx.DB
}

// New creates a new MSSQLConnector.
func New() connector.Connector {
	return &MSSQLConnector{}
}

// Connect establishes a connection to the SQL Server database.
func (c *MSSQLConnector) Connect(cfg connector.ConnectionConfig) error {
	db, err := sqlx.Connect("sqlserver", connector.SanitizeDSN("mssql", cfg.DSN))
	if err != nil {
		return fmt.Errorf("mssql connect: %w", err)
	}
	connector.ApplyPool(db, cfg)
	c.db = db
	return nil
}

// Disconnect closes the database connection pool.
func (c *MSSQLConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *MSSQLConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB connection pool.
func (c *MSSQLConnector) DB() *sqlx.DB {
	return c.db
}

// DriverName returns the driver identifier for SQL Server.
func (c *MSSQLConnector) DriverName() string { return "mssql" }

// QuoteIdentifier wraps a SQL identifier in brackets, escaping any
// embedded closing brackets.
func (c *MSSQLConnector) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ParameterPlaceholder returns a numbered placeholder (@p1, @p2, ...).
func (c *MSSQLConnector) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

// InsertReturnsRow is true: inserts use OUTPUT INSERTED.
func (c *MSSQLConnector) InsertReturnsRow() bool { return true }

// Migrations returns the api_keys DDL. SQL Server has no CREATE TABLE IF
// NOT EXISTS, so each statement guards on OBJECT_ID. The key column uses a
// binary collation so lookups are case-sensitive.
func (c *MSSQLConnector) Migrations() []string {
	return []string{
		`IF OBJECT_ID(N'api_keys', N'U') IS NULL
		CREATE TABLE api_keys (
			id         BIGINT IDENTITY(1,1) PRIMARY KEY,
			api_key    VARCHAR(64) COLLATE Latin1_General_BIN2 NOT NULL CONSTRAINT uq_api_keys_api_key UNIQUE,
			owner      NVARCHAR(255) NULL,
			created_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			expires_at DATETIME2 NULL,
			revoked    BIT NOT NULL DEFAULT 0
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_api_keys_created_at' AND object_id = OBJECT_ID(N'api_keys'))
		CREATE INDEX idx_api_keys_created_at ON api_keys(created_at)`,
	}
}

// BuildSelect builds a SELECT. Without paging it uses TOP; with an offset it
// uses OFFSET/FETCH, which requires an ORDER BY.
func (c *MSSQLConnector) BuildSelect(_ context.Context, req connector.SelectRequest) (string, []interface{}, error) {
	if req.Table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}

	var b strings.Builder
	var args []interface{}
	paramIdx := 1

	paged := req.Offset > 0
	if paged && req.Limit <= 0 {
		return "", nil, fmt.Errorf("offset requires a limit")
	}

	b.WriteString("SELECT ")
	if req.Limit > 0 && !paged {
		fmt.Fprintf(&b, "TOP %d ", req.Limit)
	}
	b.WriteString(c.fieldList(req.Fields))
	b.WriteString(" FROM ")
	b.WriteString(c.QuoteIdentifier(req.Table))

	if req.KeyColumn != "" {
		b.WriteString(" WHERE ")
		b.WriteString(c.QuoteIdentifier(req.KeyColumn))
		b.WriteString(" = ")
		b.WriteString(c.ParameterPlaceholder(paramIdx))
		args = append(args, req.KeyValue)
		paramIdx++
	}

	if paged {
		order := req.Order
		if order == "" {
			order = "(SELECT NULL)"
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
		fmt.Fprintf(&b, " OFFSET %s ROWS FETCH NEXT %s ROWS ONLY",
			c.ParameterPlaceholder(paramIdx), c.ParameterPlaceholder(paramIdx+1))
		args = append(args, req.Offset, req.Limit)
	} else if req.Order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(req.Order)
	}

	return b.String(), args, nil
}

func (c *MSSQLConnector) fieldList(fields []string) string {
	if len(fields) == 0 {
		return "*"
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = c.QuoteIdentifier(f)
	}
	return strings.Join(quoted, ", ")
}

// BuildInsert builds a single-row INSERT. When req.ReturnColumn is set the
// OUTPUT clause sits between the column list and VALUES.
func (c *MSSQLConnector) BuildInsert(_ context.Context, req connector.InsertRequest) (string, []interface{}, error) {
	if req.Table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}
	if len(req.Record) == 0 {
		return "", nil, fmt.Errorf("record has no columns")
	}

	columns := make([]string, 0, len(req.Record))
	for col := range req.Record {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = c.QuoteIdentifier(col)
		marks[i] = c.ParameterPlaceholder(i + 1)
		args[i] = req.Record[col]
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(c.QuoteIdentifier(req.Table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(")")
	if req.ReturnColumn != "" {
		b.WriteString(" OUTPUT INSERTED.")
		b.WriteString(c.QuoteIdentifier(req.ReturnColumn))
	}
	b.WriteString(" VALUES (")
	b.WriteString(strings.Join(marks, ", "))
	b.WriteString(")")
	return b.String(), args, nil
}

// BuildUpdate builds a parameterized UPDATE.
func (c *MSSQLConnector) BuildUpdate(_ context.Context, req connector.UpdateRequest) (string, []interface{}, error) {
	return connector.BuildUpdate(c, req)
}

// IsUniqueViolation matches server errors 2627 and 2601.
func (c *MSSQLConnector) IsUniqueViolation(err error) bool {
	var msErr mssqldb.Error
	if errors.As(err, &msErr) {
		return msErr.Number == errUniqueConstraint || msErr.Number == errUniqueIndex
	}
	var msErrPtr *mssqldb.Error
	if errors.As(err, &msErrPtr) {
		return msErrPtr.Number == errUniqueConstraint || msErrPtr.Number == errUniqueIndex
	}
	return false
}
