package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"sandbox-governor/internal/hostmon"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS process_monitoring (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		name TEXT NOT NULL,
		cmdline TEXT NOT NULL DEFAULT '',
		cpu_percent REAL NOT NULL,
		memory_percent REAL NOT NULL,
		memory_rss INTEGER NOT NULL,
		num_threads INTEGER NOT NULL,
		num_fds INTEGER NOT NULL,
		create_time INTEGER NOT NULL,
		status TEXT NOT NULL,
		ppid INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_monitoring_ts ON process_monitoring(timestamp)`,
	`CREATE TABLE IF NOT EXISTS process_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		current_value REAL NOT NULL,
		threshold_value REAL NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		recommended_action TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_alerts_ts ON process_alerts(timestamp)`,
	`CREATE TABLE IF NOT EXISTS process_terminations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		termination_method TEXT NOT NULL,
		termination_reason TEXT NOT NULL,
		cpu_usage_at_termination REAL NOT NULL,
		memory_usage_at_termination REAL NOT NULL,
		execution_time_seconds REAL NOT NULL,
		success INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_terminations_ts ON process_terminations(timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(timestamp)`,
}

// SQLiteStore keeps one database file per governor instance. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open governor db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	log.Info().Str("path", path).Msg("opened SQLite store")
	return &SQLiteStore{db: db}, nil
}

// openDB opens a SQLite database with WAL and a busy timeout so the monitor
// and the audit writer can write concurrently.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteStore) SaveSnapshots(ctx context.Context, snaps []hostmon.ProcessSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO process_monitoring (pid, name, cmdline, cpu_percent, memory_percent,
			memory_rss, num_threads, num_fds, create_time, status, ppid, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range snaps {
		if _, err := stmt.ExecContext(ctx,
			p.PID, p.Name, truncateForDB(p.Cmdline, 4096),
			p.CPUPercent, p.MemoryPercent, p.MemoryRSS,
			p.NumThreads, p.NumFDs, millis(p.CreateTime),
			p.Status, p.PPID, millis(p.Timestamp),
		); err != nil {
			return fmt.Errorf("inserting snapshot for pid %d: %w", p.PID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, a hostmon.ProcessAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_alerts (pid, process_name, trigger_type, current_value,
			threshold_value, severity, description, recommended_action, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PID, a.ProcessName, string(a.Trigger), a.CurrentValue,
		a.ThresholdValue, string(a.Severity), a.Description, a.RecommendedAction,
		millis(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting process alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTermination(ctx context.Context, r hostmon.TerminationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_terminations (pid, process_name, termination_method,
			termination_reason, cpu_usage_at_termination, memory_usage_at_termination,
			execution_time_seconds, success, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PID, r.ProcessName, string(r.Method), r.Reason,
		r.CPUAtTermination, r.MemoryAtTermination, r.ExecutionTimeSeconds,
		boolToInt(r.Success), r.ErrorMessage, millis(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting termination record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveAuditEvent(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (subject, operation, payload, timestamp)
		VALUES (?, ?, ?, ?)`,
		ev.Subject, ev.Operation, string(payload), millis(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentAlerts(ctx context.Context, f Filter) ([]hostmon.ProcessAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, process_name, trigger_type, current_value, threshold_value,
			severity, description, recommended_action, timestamp
		FROM process_alerts
		WHERE timestamp >= ? AND (? = 0 OR pid = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		millis(f.Since), f.PID, f.PID, f.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying process alerts: %w", err)
	}
	defer rows.Close()

	var out []hostmon.ProcessAlert
	for rows.Next() {
		var (
			a                 hostmon.ProcessAlert
			trigger, severity string
			ts                int64
		)
		if err := rows.Scan(&a.PID, &a.ProcessName, &trigger, &a.CurrentValue, &a.ThresholdValue,
			&severity, &a.Description, &a.RecommendedAction, &ts); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		a.Trigger = hostmon.Trigger(trigger)
		a.Severity = hostmon.Severity(severity)
		a.Timestamp = fromMillis(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentTerminations(ctx context.Context, f Filter) ([]hostmon.TerminationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, process_name, termination_method, termination_reason,
			cpu_usage_at_termination, memory_usage_at_termination, execution_time_seconds,
			success, error_message, timestamp
		FROM process_terminations
		WHERE timestamp >= ? AND (? = 0 OR pid = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		millis(f.Since), f.PID, f.PID, f.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying termination records: %w", err)
	}
	defer rows.Close()

	var out []hostmon.TerminationRecord
	for rows.Next() {
		var (
			r       hostmon.TerminationRecord
			method  string
			success int
			ts      int64
		)
		if err := rows.Scan(&r.PID, &r.ProcessName, &method, &r.Reason,
			&r.CPUAtTermination, &r.MemoryAtTermination, &r.ExecutionTimeSeconds,
			&success, &r.ErrorMessage, &ts); err != nil {
			return nil, fmt.Errorf("scanning termination row: %w", err)
		}
		r.Method = hostmon.Method(method)
		r.Success = success != 0
		r.Timestamp = fromMillis(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentAuditEvents(ctx context.Context, f Filter) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, operation, payload, timestamp
		FROM audit_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		millis(f.Since), f.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			payload string
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Subject, &ev.Operation, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding audit payload %d: %w", ev.ID, err)
		}
		ev.Timestamp = fromMillis(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, now time.Time, r Retention) (PruneResult, error) {
	var res PruneResult
	for _, t := range []struct {
		table string
		keep  time.Duration
		count *int64
	}{
		{"process_monitoring", r.Monitoring, &res.Monitoring},
		{"process_alerts", r.Alerts, &res.Alerts},
		{"process_terminations", r.Terminations, &res.Terminations},
		{"audit_events", r.Audit, &res.Audit},
	} {
		if t.keep <= 0 {
			continue
		}
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM `+t.table+` WHERE timestamp < ?`, millis(now.Add(-t.keep)))
		if err != nil {
			return res, fmt.Errorf("pruning %s: %w", t.table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("pruning %s: %w", t.table, err)
		}
		*t.count = n
	}
	return res, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
