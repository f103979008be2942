package storage

import (
	"path/filepath"
	"testing"
	"time"

	"sandbox-governor/internal/hostmon"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "governor.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Drivers(t *testing.T) {
	if _, err := Open(t.Context(), "mysql", "x"); err == nil {
		t.Error("Open(mysql) should fail")
	}
	if _, err := Open(t.Context(), "sqlite", ""); err == nil {
		t.Error("Open(sqlite) with empty path should fail")
	}

	s, err := Open(t.Context(), "", filepath.Join(t.TempDir(), "default.db"))
	if err != nil {
		t.Fatalf("Open() default driver error = %v", err)
	}
	defer s.Close()
	if !s.Healthy(t.Context()) {
		t.Error("fresh store should be healthy")
	}
}

func TestSQLiteStore_Alerts(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, pid := range []int{10, 20, 10} {
		err := s.SaveAlert(ctx, hostmon.ProcessAlert{
			PID:               pid,
			ProcessName:       "python3",
			Trigger:           hostmon.TriggerCPU,
			CurrentValue:      90 + float64(i),
			ThresholdValue:    80,
			Severity:          hostmon.SeverityWarning,
			Description:       "cpu high",
			RecommendedAction: "observe",
			Timestamp:         base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveAlert() error = %v", err)
		}
	}

	all, err := s.RecentAlerts(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d alerts, want 3", len(all))
	}
	if all[0].CurrentValue != 92 {
		t.Errorf("newest first: got value %v, want 92", all[0].CurrentValue)
	}
	if !all[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp = %v, want %v", all[0].Timestamp, base.Add(2*time.Minute))
	}
	if all[0].Trigger != hostmon.TriggerCPU || all[0].Severity != hostmon.SeverityWarning {
		t.Errorf("enum round trip = %+v", all[0])
	}

	byPID, err := s.RecentAlerts(ctx, Filter{PID: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPID) != 2 {
		t.Errorf("pid filter: got %d, want 2", len(byPID))
	}

	since, err := s.RecentAlerts(ctx, Filter{Since: base.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Errorf("since filter: got %d, want 2", len(since))
	}

	limited, err := s.RecentAlerts(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}
}

func TestSQLiteStore_Terminations(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := hostmon.TerminationRecord{
		PID:                  77,
		ProcessName:          "node",
		Method:               hostmon.MethodForce,
		Reason:               "memory percent 97.0 exceeds threshold 80.0",
		CPUAtTermination:     12.5,
		MemoryAtTermination:  97,
		ExecutionTimeSeconds: 42,
		Success:              true,
		Timestamp:            now,
	}
	if err := s.SaveTermination(ctx, rec); err != nil {
		t.Fatal(err)
	}
	failed := rec
	failed.PID = 78
	failed.Success = false
	failed.ErrorMessage = "permission denied"
	if err := s.SaveTermination(ctx, failed); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentTerminations(ctx, Filter{PID: 77})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, rec.Timestamp)
	}
	got[0].Timestamp, rec.Timestamp = time.Time{}, time.Time{}
	if got[0] != rec {
		t.Errorf("round trip = %+v, want %+v", got[0], rec)
	}

	got, err = s.RecentTerminations(ctx, Filter{PID: 78})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Success || got[0].ErrorMessage != "permission denied" {
		t.Errorf("failed record = %+v", got)
	}
}

func TestSQLiteStore_AuditEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	err := s.SaveAuditEvent(ctx, AuditEvent{
		Subject:   "sandbox",
		Operation: "container_created",
		Payload:   map[string]any{"container_id": "abc", "memory": float64(268435456)},
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := s.RecentAuditEvents(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ID == 0 || ev.Timestamp.IsZero() {
		t.Errorf("event missing id or timestamp: %+v", ev)
	}
	if ev.Payload["container_id"] != "abc" || ev.Payload["memory"] != float64(268435456) {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestSQLiteStore_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	now := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)

	old := now.Add(-10 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)

	snaps := []hostmon.ProcessSnapshot{
		{PID: 1, Name: "a", Status: "running", CreateTime: old, Timestamp: old},
		{PID: 2, Name: "b", Status: "running", Timestamp: old},
		{PID: 3, Name: "c", Status: "sleeping", Timestamp: fresh},
	}
	if err := s.SaveSnapshots(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAlert(ctx, hostmon.ProcessAlert{PID: 1, Trigger: hostmon.TriggerCPU, Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAuditEvent(ctx, AuditEvent{Subject: "x", Operation: "y", Timestamp: old}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Prune(ctx, now, DefaultRetention())
	if err != nil {
		t.Fatal(err)
	}
	want := PruneResult{Monitoring: 2}
	if res != want {
		t.Errorf("Prune() = %+v, want %+v", res, want)
	}

	// A second pass has nothing left to delete.
	res, err = s.Prune(ctx, now, DefaultRetention())
	if err != nil {
		t.Fatal(err)
	}
	if res.Total() != 0 {
		t.Errorf("second Prune() = %+v, want nothing", res)
	}

	// Zero retention disables pruning for that table.
	res, err = s.Prune(ctx, now.Add(365*24*time.Hour), Retention{Alerts: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if res != (PruneResult{Alerts: 1}) {
		t.Errorf("partial Prune() = %+v", res)
	}
}

func TestPruner_PruneOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	now := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)

	if err := s.SaveSnapshots(ctx, []hostmon.ProcessSnapshot{
		{PID: 1, Name: "a", Status: "running", Timestamp: now.Add(-8 * 24 * time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}

	p := NewPruner(s, DefaultRetention(), 0, nil)
	p.now = func() time.Time { return now }

	res, err := p.PruneOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Monitoring != 1 {
		t.Errorf("pruned %d snapshots, want 1", res.Monitoring)
	}
}

func TestTruncateForDB(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 7, "this is"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncateForDB(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateForDB(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
