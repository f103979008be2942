package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "success", time.Second)
	m.RecordGateDecision("execute", false)
	m.ObserveEngineCall("create", time.Millisecond)
	m.SetEmergency(true)
	m.RecordAlert("cpu", "critical")
	m.RecordTermination("SIGKILL", true)
	m.ObserveTick(time.Millisecond, 10)
	m.RecordAuditDrop()
	m.RecordPruned("process_alerts", 3)
	m.ObserveCodeSize(10)
	m.TrackRequest()()
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordGateDecision("execute", true)
	m.RecordGateDecision("execute", false)
	m.RecordGateDecision("execute", false)
	if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues("execute", "denied")); got != 2 {
		t.Errorf("denied = %v, want 2", got)
	}

	m.SetEmergency(true)
	if got := testutil.ToFloat64(m.EmergencyTripped); got != 1 {
		t.Errorf("emergency gauge = %v, want 1", got)
	}
	m.SetEmergency(false)
	if got := testutil.ToFloat64(m.EmergencyTripped); got != 0 {
		t.Errorf("emergency gauge = %v, want 0", got)
	}

	m.RecordPruned("process_monitoring", 0)
	m.RecordPruned("process_monitoring", 5)
	if got := testutil.ToFloat64(m.RowsPruned.WithLabelValues("process_monitoring")); got != 5 {
		t.Errorf("pruned = %v, want 5", got)
	}
}

func TestMetrics_TrackRequest(t *testing.T) {
	m := NewMetrics()
	done := m.TrackRequest()
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}
