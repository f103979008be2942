package sandbox

import (
	"errors"
	"fmt"

	"sandbox-governor/internal/policy"
)

// Error kinds surfaced to callers. Raw engine errors are never returned
// directly; they are classified into one of these and kept in Detail.
var (
	ErrPolicyViolation    = policy.ErrPolicyViolation
	ErrSecurityBlocked    = errors.New("blocked by security gate")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrTimeout            = errors.New("execution timed out")
	ErrNotFound           = errors.New("container not found")
	ErrInvalidRequest     = errors.New("invalid request")
)

// OperationError wraps an error kind with the container and operation it
// occurred in.
type OperationError struct {
	ContainerID string
	Op          string
	Err         error
	Detail      string // raw engine text, diagnostic only
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Err)
	if e.ContainerID != "" {
		msg = fmt.Sprintf("container %s: %s", shortID(e.ContainerID), msg)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(id, op string, kind error, detail error) *OperationError {
	e := &OperationError{ContainerID: id, Op: op, Err: kind}
	if detail != nil {
		e.Detail = detail.Error()
	}
	return e
}

// classify maps an engine error to an error kind. Anything that is not a
// NotFound is treated as the runtime being unavailable.
func classify(id, op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return opError(id, op, ErrNotFound, err)
	}
	return opError(id, op, ErrRuntimeUnavailable, err)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsSecurityBlocked(err error) bool {
	return errors.Is(err, ErrSecurityBlocked)
}

func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsRuntimeUnavailable(err error) bool {
	return errors.Is(err, ErrRuntimeUnavailable)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
