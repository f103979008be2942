package storage

import (
	"context"
	"fmt"
	"time"

	"sandbox-governor/internal/hostmon"
)

// AuditEvent is one row of the audit trail.
type AuditEvent struct {
	ID        int64          `json:"id"`
	Subject   string         `json:"subject"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Retention is how long each table keeps its rows.
type Retention struct {
	Monitoring   time.Duration
	Alerts       time.Duration
	Terminations time.Duration
	Audit        time.Duration
}

func DefaultRetention() Retention {
	return Retention{
		Monitoring:   7 * 24 * time.Hour,
		Alerts:       30 * 24 * time.Hour,
		Terminations: 90 * 24 * time.Hour,
		Audit:        90 * 24 * time.Hour,
	}
}

// PruneResult counts the rows deleted per table.
type PruneResult struct {
	Monitoring   int64 `json:"process_monitoring"`
	Alerts       int64 `json:"process_alerts"`
	Terminations int64 `json:"process_terminations"`
	Audit        int64 `json:"audit_events"`
}

func (r PruneResult) Total() int64 {
	return r.Monitoring + r.Alerts + r.Terminations + r.Audit
}

// Filter narrows list queries. A zero PID matches every process.
type Filter struct {
	Since time.Time
	PID   int
	Limit int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// Store persists monitor output and audit events.
type Store interface {
	hostmon.Recorder
	SaveAuditEvent(ctx context.Context, ev AuditEvent) error
	RecentAlerts(ctx context.Context, f Filter) ([]hostmon.ProcessAlert, error)
	RecentTerminations(ctx context.Context, f Filter) ([]hostmon.TerminationRecord, error)
	RecentAuditEvents(ctx context.Context, f Filter) ([]AuditEvent, error)
	Prune(ctx context.Context, now time.Time, r Retention) (PruneResult, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open connects to the configured backend. driver is "sqlite" (dsn is a
// file path) or "postgres" (dsn is a connection string).
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
