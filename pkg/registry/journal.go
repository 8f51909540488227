package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// EventType names a registry change
type EventType string

const (
	EventRegister   EventType = "register"
	EventUnregister EventType = "unregister"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
	EventEnable     EventType = "enable"
	EventDisable    EventType = "disable"
)

// Event is one committed registry change
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Plugin    string    `json:"plugin"`
	Type      EventType `json:"event_type"`
	Version   string    `json:"version,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Journal receives committed registry changes
type Journal interface {
	Record(ctx context.Context, ev Event) error
}

// Supported journal drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLJournal stores registry events in a SQL table
type SQLJournal struct {
	db     *sql.DB
	driver string
}

// OpenJournal opens a database with driver and dsn and prepares the events table
func OpenJournal(ctx context.Context, driver, dsn string) (*SQLJournal, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}
	j, err := NewSQLJournal(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// NewSQLJournal wraps an open database
func NewSQLJournal(ctx context.Context, db *sql.DB, driver string) (*SQLJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	j := &SQLJournal{db: db, driver: driver}
	if err := j.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure plugin_events table: %w", err)
	}
	return j, nil
}

// DB returns the underlying database
func (j *SQLJournal) DB() *sql.DB { return j.db }

func (j *SQLJournal) ensureTable(ctx context.Context) error {
	id := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMP WITH TIME ZONE"
	if j.driver == DriverSQLite {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "TIMESTAMP"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS plugin_events (
		id %s,
		occurred_at %s NOT NULL,
		plugin VARCHAR(255) NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		version VARCHAR(64),
		status VARCHAR(32),
		message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_plugin_events_plugin ON plugin_events(plugin);
	`, id, ts)

	_, err := j.db.ExecContext(ctx, query)
	return err
}

// placeholders returns n bind parameters in the driver's syntax
func (j *SQLJournal) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if j.driver == DriverPostgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

// Record implements Journal
func (j *SQLJournal) Record(ctx context.Context, ev Event) error {
	query := `INSERT INTO plugin_events (occurred_at, plugin, event_type, version, status, message) VALUES (` +
		j.placeholders(6) + `)`
	_, err := j.db.ExecContext(ctx, query,
		ev.Timestamp.UTC(), ev.Plugin, string(ev.Type), ev.Version, ev.Status, ev.Message)
	if err != nil {
		return fmt.Errorf("failed to insert plugin event: %w", err)
	}
	return nil
}

// Events returns the most recent events of plugin, newest first. An empty
// plugin returns events of every plugin.
func (j *SQLJournal) Events(ctx context.Context, plugin string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, occurred_at, plugin, event_type, version, status, message FROM plugin_events`
	var args []interface{}
	if plugin != "" {
		query += ` WHERE plugin = ` + j.placeholders(1)
		args = append(args, plugin)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                       Event
			typ                      string
			version, status, message sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Plugin, &typ, &version, &status, &message); err != nil {
			return nil, fmt.Errorf("failed to scan plugin event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Version, ev.Status, ev.Message = version.String, status.String, message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database
func (j *SQLJournal) Close() error {
	return j.db.Close()
}
