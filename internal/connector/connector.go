package connector

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// SelectRequest describes a read against a single table. When KeyColumn is
// set the query filters on KeyColumn = KeyValue.
type SelectRequest struct {
	Table     string
	Fields    []string
	KeyColumn string
	KeyValue  interface{}
	Order     string // trusted, caller-supplied ORDER BY body
	Limit     int
	Offset    int
}

// InsertRequest describes a single-row insert. ReturnColumn, when set, asks
// the dialect to hand the generated value back as a result row.
type InsertRequest struct {
	Table        string
	Record       map[string]interface{}
	ReturnColumn string
}

// UpdateRequest describes an update of the rows where KeyColumn = KeyValue.
type UpdateRequest struct {
	Table     string
	Set       map[string]interface{}
	KeyColumn string
	KeyValue  interface{}
}

// ConnectionConfig holds database connection parameters.
type ConnectionConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connector is one SQL backend for the key store. It owns the connection
// pool and knows the dialect: DDL, placeholder style, how an insert reports
// its generated id, and how the driver signals a UNIQUE violation.
type Connector interface {
	// Connection management
	Connect(cfg ConnectionConfig) error
	Disconnect() error
	Ping(ctx context.Context) error
	DB() *sqlx.DB

	// Schema
	Migrations() []string

	// Query building
	BuildSelect(ctx context.Context, req SelectRequest) (string, []interface{}, error)
	BuildInsert(ctx context.Context, req InsertRequest) (string, []interface{}, error)
	BuildUpdate(ctx context.Context, req UpdateRequest) (string, []interface{}, error)

	// Metadata
	DriverName() string
	QuoteIdentifier(name string) string
	ParameterPlaceholder(index int) string

	// InsertReturnsRow reports whether BuildInsert yields a statement that
	// returns the generated column as a row (RETURNING / OUTPUT). When false
	// the caller uses sql.Result.LastInsertId.
	InsertReturnsRow() bool

	// IsUniqueViolation reports whether err is the driver's duplicate-key error.
	IsUniqueViolation(err error) bool
}

// ApplyPool copies the pool limits from cfg onto db. Zero values keep the
// database/sql defaults.
func ApplyPool(db *sqlx.DB, cfg ConnectionConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// Placeholders is the subset of Connector the shared query builders need.
type Placeholders interface {
	QuoteIdentifier(name string) string
	ParameterPlaceholder(index int) string
}

// BuildSelect renders a SELECT with a LIMIT/OFFSET tail. Dialects that do
// not speak LIMIT (SQL Server) build their own.
func BuildSelect(d Placeholders, req SelectRequest) (string, []interface{}, error) {
	if req.Table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}

	var b strings.Builder
	var args []interface{}
	paramIdx := 1

	b.WriteString("SELECT ")
	b.WriteString(fieldList(d, req.Fields))
	b.WriteString(" FROM ")
	b.WriteString(d.QuoteIdentifier(req.Table))

	if req.KeyColumn != "" {
		b.WriteString(" WHERE ")
		b.WriteString(d.QuoteIdentifier(req.KeyColumn))
		b.WriteString(" = ")
		b.WriteString(d.ParameterPlaceholder(paramIdx))
		args = append(args, req.KeyValue)
		paramIdx++
	}

	if req.Order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(req.Order)
	}

	if req.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(d.ParameterPlaceholder(paramIdx))
		args = append(args, req.Limit)
		paramIdx++
	}
	if req.Offset > 0 {
		if req.Limit <= 0 {
			return "", nil, fmt.Errorf("offset requires a limit")
		}
		b.WriteString(" OFFSET ")
		b.WriteString(d.ParameterPlaceholder(paramIdx))
		args = append(args, req.Offset)
	}

	return b.String(), args, nil
}

// BuildInsert renders a single-row INSERT. returning is appended verbatim
// after the VALUES list (e.g. ` RETURNING "id"`); pass "" for none.
func BuildInsert(d Placeholders, req InsertRequest, returning string) (string, []interface{}, error) {
	if req.Table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}
	if len(req.Record) == 0 {
		return "", nil, fmt.Errorf("record has no columns")
	}

	columns := sortedKeys(req.Record)
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = d.QuoteIdentifier(col)
		marks[i] = d.ParameterPlaceholder(i + 1)
		args[i] = req.Record[col]
	}

	q := "INSERT INTO " + d.QuoteIdentifier(req.Table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")" +
		returning
	return q, args, nil
}

// BuildUpdate renders UPDATE ... SET ... WHERE key = ?.
func BuildUpdate(d Placeholders, req UpdateRequest) (string, []interface{}, error) {
	if req.Table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}
	if len(req.Set) == 0 {
		return "", nil, fmt.Errorf("update has no columns")
	}
	if req.KeyColumn == "" {
		return "", nil, fmt.Errorf("update requires a key column")
	}

	columns := sortedKeys(req.Set)
	sets := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+1)
	for i, col := range columns {
		sets[i] = d.QuoteIdentifier(col) + " = " + d.ParameterPlaceholder(i+1)
		args = append(args, req.Set[col])
	}
	args = append(args, req.KeyValue)

	q := "UPDATE " + d.QuoteIdentifier(req.Table) +
		" SET " + strings.Join(sets, ", ") +
		" WHERE " + d.QuoteIdentifier(req.KeyColumn) + " = " + d.ParameterPlaceholder(len(columns)+1)
	return q, args, nil
}

func fieldList(d Placeholders, fields []string) string {
	if len(fields) == 0 {
		return "*"
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = d.QuoteIdentifier(f)
	}
	return strings.Join(quoted, ", ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SanitizeDSN repairs common DSN mistakes before they reach the driver.
// URL-style DSNs (postgres://, sqlserver://) get their userinfo
// percent-encoded so passwords containing @ or # parse. MySQL DSNs are
// normalized to the tcp() form go-sql-driver expects.
func SanitizeDSN(driver, dsn string) string {
	switch driver {
	case "postgres", "mssql":
		return sanitizeURLDSN(dsn)
	case "mysql":
		return sanitizeMySQLDSN(dsn)
	default:
		return dsn
	}
}

// mysqlBareHostPort matches "user:pass@host:port/db" with no tcp() wrapper.
var mysqlBareHostPort = regexp.MustCompile(`^(.+)@([^(@]+:\d+)(/.*)?$`)

func sanitizeMySQLDSN(dsn string) string {
	if cfg, err := mysqldriver.ParseDSN(dsn); err == nil && (cfg.Net == "tcp" || cfg.Net == "unix") {
		return cfg.FormatDSN()
	}

	// user:pass@(host:port)/db
	if idx := strings.LastIndex(dsn, "@("); idx >= 0 {
		fixed := dsn[:idx] + "@tcp" + dsn[idx+1:]
		if cfg, err := mysqldriver.ParseDSN(fixed); err == nil {
			return cfg.FormatDSN()
		}
	}

	// user:pass@host:port/db
	if m := mysqlBareHostPort.FindStringSubmatch(dsn); m != nil {
		fixed := m[1] + "@tcp(" + m[2] + ")" + m[3]
		if cfg, err := mysqldriver.ParseDSN(fixed); err == nil {
			return cfg.FormatDSN()
		}
	}

	return dsn
}

func sanitizeURLDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd < 0 {
		return dsn
	}

	scheme := dsn[:schemeEnd]
	rest := dsn[schemeEnd+3:]

	query := ""
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		query = rest[qi:]
		rest = rest[:qi]
	}

	// The last '@' separates userinfo from host, so '@' inside a password survives.
	atIdx := strings.LastIndex(rest, "@")
	if atIdx < 0 {
		return dsn
	}

	userinfo := rest[:atIdx]
	hostpath := rest[atIdx+1:]

	user := userinfo
	pass := ""
	if ci := strings.IndexByte(userinfo, ':'); ci >= 0 {
		user = userinfo[:ci]
		pass = userinfo[ci+1:]
	}

	// Undo any encoding the user already applied so it is not doubled.
	if u, err := url.PathUnescape(user); err == nil {
		user = u
	}
	if p, err := url.PathUnescape(pass); err == nil {
		pass = p
	}

	return scheme + "://" + url.PathEscape(user) + ":" + url.PathEscape(pass) + "@" + hostpath + query
}

// RedactDSN hides the password portion of a DSN for display.
func RedactDSN(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx != -1 {
		rest := dsn[idx+3:]
		if atIdx := strings.LastIndex(rest, "@"); atIdx != -1 {
			userinfo := rest[:atIdx]
			if ci := strings.IndexByte(userinfo, ':'); ci != -1 {
				return dsn[:idx+3] + userinfo[:ci] + ":****" + rest[atIdx:]
			}
		}
		return dsn
	}
	// user:pass@tcp(host)/db
	if atIdx := strings.LastIndex(dsn, "@"); atIdx != -1 {
		userinfo := dsn[:atIdx]
		if ci := strings.IndexByte(userinfo, ':'); ci != -1 {
			return userinfo[:ci] + ":****" + dsn[atIdx:]
		}
	}
	return dsn
}
