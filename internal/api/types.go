package api

import (
	"time"

	"sandbox-governor/internal/emergency"
	"sandbox-governor/internal/hostmon"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/policy"
	"sandbox-governor/internal/sandbox"
)

// ExecutionRequest is the API-level request to execute code in a sandbox.
type ExecutionRequest struct {
	Code           string            `json:"code"`
	Language       string            `json:"language"` // python, node, bash, go
	Timeout        Duration          `json:"timeout,omitempty"`
	Limits         policy.Overrides  `json:"limits,omitempty"`
	NetworkEnabled bool              `json:"network_enabled,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is the API-level response after sandbox execution.
type ExecutionResponse struct {
	ID                   string              `json:"id"`
	Success              bool                `json:"success"`
	Stdout               string              `json:"stdout"`
	Stderr               *string             `json:"stderr"`
	ReturnCode           int                 `json:"return_code"`
	ExecutionTimeSeconds float64             `json:"execution_time_seconds"`
	SecurityEvents       []monitor.Detection `json:"security_events,omitempty"`
}

func newExecutionResponse(r *sandbox.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		ID:                   r.ID,
		Success:              r.Success,
		Stdout:               r.Stdout,
		Stderr:               r.Stderr,
		ReturnCode:           r.ReturnCode,
		ExecutionTimeSeconds: r.ExecutionTimeSeconds(),
		SecurityEvents:       r.Detections,
	}
}

type ContainersResponse struct {
	Containers []sandbox.ContainerRecord `json:"containers"`
	Count      int                       `json:"count"`
}

type CleanupRequest struct {
	MaxAge Duration `json:"max_age"`
}

type CleanupResponse struct {
	Removed int `json:"removed"`
}

type RemoveResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

type EmergencyRequest struct {
	Reason string `json:"reason"`
}

type EmergencyResponse struct {
	emergency.State
	Changed bool `json:"changed,omitempty"`
}

type AlertsResponse struct {
	Alerts []hostmon.ProcessAlert `json:"alerts"`
}

type TerminationsResponse struct {
	Terminations []hostmon.TerminationRecord `json:"terminations"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string          `json:"status"`
	Engine           bool            `json:"engine"`
	Database         bool            `json:"database"`
	Emergency        emergency.State `json:"emergency"`
	ActiveContainers int             `json:"active_containers"`
	Monitor          *hostmon.Status `json:"monitor,omitempty"`
	Uptime           string          `json:"uptime"`
}
