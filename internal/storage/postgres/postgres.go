package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// EventRow represents an engine event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	FleetID   string                 `json:"fleet_id"`
}

// RunRow represents one narrative execution recorded in Postgres.
type RunRow struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"ts"`
	Bot       string    `json:"bot"`
	Narrative string    `json:"narrative"`
	Scope     string    `json:"scope"`
	Acts      int       `json:"acts"`
	Status    string    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	FleetID   string    `json:"fleet_id"`
}

// RunStats aggregates run outcomes for one bot.
type RunStats struct {
	Bot       string `json:"bot"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

// Options configures the Postgres connection.
type Options struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	FleetID  string
}

// Client manages the Postgres connection for event and run storage.
type Client struct {
	db      *sql.DB
	fleetID string
}

// New opens a connection and ensures the schema exists.
func New(opts Options) (*Client, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		opts.Host, opts.Port, opts.User, opts.DBName)
	if opts.Password != "" {
		connStr += " password=" + opts.Password
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{
		db:      db,
		fleetID: opts.FleetID,
	}

	if err := client.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

func (c *Client) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id BIGSERIAL PRIMARY KEY,
			ts       TIMESTAMPTZ NOT NULL,
			level    TEXT NOT NULL,
			event    TEXT NOT NULL,
			msg      TEXT,
			fields   JSONB,
			fleet_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_fleet_id ON events(fleet_id);

		CREATE TABLE IF NOT EXISTS runs (
			run_id    TEXT PRIMARY KEY,
			ts        TIMESTAMPTZ NOT NULL,
			bot       TEXT NOT NULL,
			narrative TEXT NOT NULL,
			scope     TEXT NOT NULL,
			acts      INTEGER NOT NULL,
			status    TEXT NOT NULL,
			error     TEXT,
			fleet_id  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_bot ON runs(bot);
		CREATE INDEX IF NOT EXISTS idx_runs_fleet_id ON runs(fleet_id);
	`
	_, err := c.db.Exec(query)
	return err
}

// Append inserts an engine event into the database.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, fleet_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = c.db.Exec(query, ts, level, event, msgPtr, fieldsJSON, c.fleetID)
	return err
}

// Query returns the last N events from the database in descending order by timestamp.
func (c *Client) Query(limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, fleet_id
		FROM events
		WHERE fleet_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, c.fleetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.FleetID); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// RecordRun inserts one narrative execution record.
func (c *Client) RecordRun(runID, bot, narrative, scope string, acts int, status, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}

	query := `
		INSERT INTO runs (run_id, ts, bot, narrative, scope, acts, status, error, fleet_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := c.db.Exec(query, runID, time.Now().UTC(), bot, narrative, scope, acts, status, errPtr, c.fleetID)
	return err
}

// BotRunStats returns aggregated run outcomes per bot for this fleet.
// Used to restore bot counters on startup.
func (c *Client) BotRunStats() (map[string]RunStats, error) {
	query := `
		SELECT bot,
		       COUNT(*) FILTER (WHERE status = 'ok')     AS successes,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failures
		FROM runs
		WHERE fleet_id = $1 AND bot <> ''
		GROUP BY bot
	`
	rows, err := c.db.Query(query, c.fleetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]RunStats)
	for rows.Next() {
		var s RunStats
		if err := rows.Scan(&s.Bot, &s.Successes, &s.Failures); err != nil {
			return nil, err
		}
		stats[s.Bot] = s
	}
	return stats, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
