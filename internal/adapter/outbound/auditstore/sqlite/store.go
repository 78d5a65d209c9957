// Package sqlite is the embedded, zero-infra audit.DocumentStore backend
// used when no MONGODB_URI is configured: one table per collection,
// documents stored as a JSON column alongside the extracted fields the
// dashboard queries filter and sort on, indexes created with CREATE INDEX,
// rollups computed with SELECT ... GROUP BY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

const defaultOpTimeout = 5 * time.Second

// Store implements audit.DocumentStore on an embedded SQLite database file
// (or ":memory:" for tests).
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open creates (or attaches to) the SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	s := &Store{db: db, timeout: defaultOpTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tool_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_name TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		output_bytes INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		document TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_server ON tool_logs(server_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_tool ON tool_logs(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_timestamp ON tool_logs(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_session ON tool_logs(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_server_tool_ts ON tool_logs(server_name, tool_name, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS governance_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_name TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		document TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_governance_logs_server ON governance_logs(server_name)`,
	`CREATE INDEX IF NOT EXISTS idx_governance_logs_timestamp ON governance_logs(timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS servers (
		server_name TEXT PRIMARY KEY,
		document TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS governance_configs (
		server_name TEXT PRIMARY KEY,
		document TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS server_policies (
		server_name TEXT PRIMARY KEY,
		document TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS server_tools (
		server_name TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		document TEXT NOT NULL,
		PRIMARY KEY (server_name, tool_name)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		deployment_mode TEXT PRIMARY KEY,
		document TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migration %q: %w", stmt, err)
		}
	}
	return nil
}

// Insert appends document to collection.
func (s *Store) Insert(ctx context.Context, collection string, document map[string]interface{}) error {
	if collection == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	switch collection {
	case audit.CollectionToolLogs:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tool_logs (server_name, tool_name, session_id, event_type, status, duration_ms, output_bytes, timestamp, document)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			str(document["server_name"]), str(document["tool_name"]), str(document["session_id"]),
			str(document["event_type"]), str(document["status"]), toInt64(document["duration_ms"]),
			outputBytes(document), timestampText(document["timestamp"]), string(raw))
	case audit.CollectionGovernanceLogs:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO governance_logs (server_name, tool_name, timestamp, document) VALUES (?, ?, ?, ?)`,
			str(document["server_name"]), str(document["tool_name"]), timestampText(document["timestamp"]), string(raw))
	default:
		return fmt.Errorf("insert: unsupported collection %q", collection)
	}
	return err
}

// Upsert replaces the row matched by keyFilter with document, inserting it
// if absent.
func (s *Store) Upsert(ctx context.Context, collection string, keyFilter map[string]interface{}, document map[string]interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	switch collection {
	case audit.CollectionServers, audit.CollectionGovernanceConfigs, audit.CollectionServerPolicies:
		table := collection
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (server_name, document) VALUES (?, ?)
			 ON CONFLICT(server_name) DO UPDATE SET document = excluded.document`, table),
			str(keyFilter["server_name"]), string(raw))
	case audit.CollectionServerTools:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO server_tools (server_name, tool_name, document) VALUES (?, ?, ?)
			 ON CONFLICT(server_name, tool_name) DO UPDATE SET document = excluded.document`,
			str(keyFilter["server_name"]), str(keyFilter["tool_name"]), string(raw))
	case audit.CollectionDeployments:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO deployments (deployment_mode, document) VALUES (?, ?)
			 ON CONFLICT(deployment_mode) DO UPDATE SET document = excluded.document`,
			str(keyFilter["deployment_mode"]), string(raw))
	default:
		return fmt.Errorf("upsert: unsupported collection %q", collection)
	}
	return err
}

// Find runs query against collection, sorted by sortField, bounded to limit
// rows. The synthetic keys "since"/"until" are translated into a timestamp
// range rather than taken as literal column names.
func (s *Store) Find(ctx context.Context, collection string, query map[string]interface{}, sortField string, limit int) ([]map[string]interface{}, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}

	where, args := whereClause(query)
	order := "timestamp DESC"
	if sortField == "timestamp_asc" {
		order = "timestamp ASC"
	}
	args = append(args, limit)

	q := fmt.Sprintf("SELECT document FROM %s", collection)
	if where != "" {
		q += " WHERE " + where
	}
	q += fmt.Sprintf(" ORDER BY %s LIMIT ?", order)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Aggregate computes per-(server_name, tool_name) rollups over window,
// restricted to completion events.
func (s *Store) Aggregate(ctx context.Context, collection string, window audit.TimeWindow) ([]map[string]interface{}, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where := []string{"event_type = 'completion'"}
	args := []interface{}{}
	if window.ServerName != "" {
		where = append(where, "server_name = ?")
		args = append(args, window.ServerName)
	}
	if !window.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, window.Since.UTC().Format(time.RFC3339Nano))
	}
	if !window.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, window.Until.UTC().Format(time.RFC3339Nano))
	}

	q := fmt.Sprintf(`
		SELECT server_name, tool_name,
			COUNT(*) AS total_calls,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS successful,
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN status = 'denied' THEN 1 ELSE 0 END) AS denied,
			AVG(duration_ms) AS avg_duration_ms,
			MIN(duration_ms) AS min_duration_ms,
			MAX(duration_ms) AS max_duration_ms,
			AVG(output_bytes) AS avg_output_bytes
		FROM %s
		WHERE %s
		GROUP BY server_name, tool_name`, collection, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var (
			serverName, toolName                        string
			totalCalls, successful, failed, denied      int64
			avgDurationMs, minDurationMs, maxDurationMs float64
			avgOutputBytes                              float64
		)
		if err := rows.Scan(&serverName, &toolName, &totalCalls, &successful, &failed, &denied,
			&avgDurationMs, &minDurationMs, &maxDurationMs, &avgOutputBytes); err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"server_name":      serverName,
			"tool_name":        toolName,
			"total_calls":      totalCalls,
			"successful":       successful,
			"failed":           failed,
			"denied":           denied,
			"avg_duration_ms":  avgDurationMs,
			"min_duration_ms":  minDurationMs,
			"max_duration_ms":  maxDurationMs,
			"avg_output_bytes": avgOutputBytes,
		})
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func whereClause(query map[string]interface{}) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	for k, v := range query {
		switch k {
		case "since":
			clauses = append(clauses, "timestamp >= ?")
			args = append(args, timestampText(v))
		case "until":
			clauses = append(clauses, "timestamp <= ?")
			args = append(args, timestampText(v))
		default:
			clauses = append(clauses, k+" = ?")
			args = append(args, v)
		}
	}
	return strings.Join(clauses, " AND "), args
}

func timestampText(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		return t
	default:
		return ""
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// outputBytes reads the output size the gateway recorded on the document,
// falling back to measuring the stored (bounded) outputs payload for
// documents written without one.
func outputBytes(document map[string]interface{}) int64 {
	if n := toInt64(document["output_bytes"]); n > 0 {
		return n
	}
	outputs := document["outputs"]
	if outputs == nil {
		return 0
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

var _ audit.DocumentStore = (*Store)(nil)
