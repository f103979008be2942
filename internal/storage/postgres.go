package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/hostmon"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS process_monitoring (
		id BIGSERIAL PRIMARY KEY,
		pid INTEGER NOT NULL,
		name TEXT NOT NULL,
		cmdline TEXT NOT NULL DEFAULT '',
		cpu_percent DOUBLE PRECISION NOT NULL,
		memory_percent DOUBLE PRECISION NOT NULL,
		memory_rss BIGINT NOT NULL,
		num_threads INTEGER NOT NULL,
		num_fds INTEGER NOT NULL,
		create_time TIMESTAMPTZ,
		status TEXT NOT NULL,
		ppid INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_monitoring_ts ON process_monitoring(timestamp)`,
	`CREATE TABLE IF NOT EXISTS process_alerts (
		id BIGSERIAL PRIMARY KEY,
		pid INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		recommended_action TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_alerts_ts ON process_alerts(timestamp)`,
	`CREATE TABLE IF NOT EXISTS process_terminations (
		id BIGSERIAL PRIMARY KEY,
		pid INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		termination_method TEXT NOT NULL,
		termination_reason TEXT NOT NULL,
		cpu_usage_at_termination DOUBLE PRECISION NOT NULL,
		memory_usage_at_termination DOUBLE PRECISION NOT NULL,
		execution_time_seconds DOUBLE PRECISION NOT NULL,
		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_terminations_ts ON process_terminations(timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		subject TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload JSONB NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(timestamp)`,
}

// PostgresStore wraps a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and creates the schema if it is missing.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// SaveSnapshots bulk-loads one tick of snapshots with COPY.
func (s *PostgresStore) SaveSnapshots(ctx context.Context, snaps []hostmon.ProcessSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	columns := []string{"pid", "name", "cmdline", "cpu_percent", "memory_percent", "memory_rss",
		"num_threads", "num_fds", "create_time", "status", "ppid", "timestamp"}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"process_monitoring"}, columns,
		pgx.CopyFromSlice(len(snaps), func(i int) ([]any, error) {
			p := snaps[i]
			return []any{
				p.PID, p.Name, truncateForDB(p.Cmdline, 4096),
				p.CPUPercent, p.MemoryPercent, p.MemoryRSS,
				p.NumThreads, p.NumFDs, nullTime(p.CreateTime),
				p.Status, p.PPID, p.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copying process snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a hostmon.ProcessAlert) error {
	query := `
		INSERT INTO process_alerts (pid, process_name, trigger_type, current_value,
			threshold_value, severity, description, recommended_action, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		a.PID, a.ProcessName, string(a.Trigger), a.CurrentValue,
		a.ThresholdValue, string(a.Severity), a.Description, a.RecommendedAction,
		a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting process alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTermination(ctx context.Context, r hostmon.TerminationRecord) error {
	query := `
		INSERT INTO process_terminations (pid, process_name, termination_method,
			termination_reason, cpu_usage_at_termination, memory_usage_at_termination,
			execution_time_seconds, success, error_message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		r.PID, r.ProcessName, string(r.Method), r.Reason,
		r.CPUAtTermination, r.MemoryAtTermination, r.ExecutionTimeSeconds,
		r.Success, r.ErrorMessage, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting termination record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAuditEvent(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit_events (subject, operation, payload, timestamp)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, query, ev.Subject, ev.Operation, payload, ev.Timestamp); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentAlerts(ctx context.Context, f Filter) ([]hostmon.ProcessAlert, error) {
	query := `
		SELECT pid, process_name, trigger_type, current_value, threshold_value,
			severity, description, recommended_action, timestamp
		FROM process_alerts
		WHERE timestamp >= $1 AND ($2 = 0 OR pid = $2)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, f.Since, f.PID, f.limit())
	if err != nil {
		return nil, fmt.Errorf("querying process alerts: %w", err)
	}
	defer rows.Close()

	var results []hostmon.ProcessAlert
	for rows.Next() {
		var (
			a                 hostmon.ProcessAlert
			trigger, severity string
		)
		if err := rows.Scan(&a.PID, &a.ProcessName, &trigger, &a.CurrentValue, &a.ThresholdValue,
			&severity, &a.Description, &a.RecommendedAction, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		a.Trigger = hostmon.Trigger(trigger)
		a.Severity = hostmon.Severity(severity)
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *PostgresStore) RecentTerminations(ctx context.Context, f Filter) ([]hostmon.TerminationRecord, error) {
	query := `
		SELECT pid, process_name, termination_method, termination_reason,
			cpu_usage_at_termination, memory_usage_at_termination, execution_time_seconds,
			success, error_message, timestamp
		FROM process_terminations
		WHERE timestamp >= $1 AND ($2 = 0 OR pid = $2)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, f.Since, f.PID, f.limit())
	if err != nil {
		return nil, fmt.Errorf("querying termination records: %w", err)
	}
	defer rows.Close()

	var results []hostmon.TerminationRecord
	for rows.Next() {
		var (
			r      hostmon.TerminationRecord
			method string
		)
		if err := rows.Scan(&r.PID, &r.ProcessName, &method, &r.Reason,
			&r.CPUAtTermination, &r.MemoryAtTermination, &r.ExecutionTimeSeconds,
			&r.Success, &r.ErrorMessage, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning termination row: %w", err)
		}
		r.Method = hostmon.Method(method)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) RecentAuditEvents(ctx context.Context, f Filter) ([]AuditEvent, error) {
	query := `
		SELECT id, subject, operation, payload, timestamp
		FROM audit_events
		WHERE timestamp >= $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, f.Since, f.limit())
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var results []AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Subject, &ev.Operation, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding audit payload %d: %w", ev.ID, err)
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, now time.Time, r Retention) (PruneResult, error) {
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
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+t.table+` WHERE timestamp < $1`, now.Add(-t.keep))
		if err != nil {
			return res, fmt.Errorf("pruning %s: %w", t.table, err)
		}
		*t.count = tag.RowsAffected()
	}
	return res, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
