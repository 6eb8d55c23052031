package broker

import "fmt"

// ErrorKind distinguishes the broker-visible error conditions named in the
// spec's error handling design (§7). Transport layers map these onto
// wire-level error_kind strings; callers should switch on Kind, not on the
// error's text.
type ErrorKind string

const (
	KindQueueTimeout      ErrorKind = "queue_timeout"
	KindNotHeld           ErrorKind = "not_held"
	KindLeaseExpired      ErrorKind = "lease_expired"
	KindForceExpired      ErrorKind = "force_expired"
	KindBrokerUnreachable ErrorKind = "broker_unreachable"
	KindTransportError    ErrorKind = "transport_error"
	KindStoreFailure      ErrorKind = "store_failure"
	KindBackingIOError    ErrorKind = "backing_io_error"
	KindInvalidArgument   ErrorKind = "invalid_argument"
)

// Error is the broker's error type: a stable Kind plus a human-readable
// message and the path it concerns, if any.
type Error struct {
	Kind    ErrorKind
	Path    string
	Owner   string
	Message string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is enables errors.Is matching by Kind alone: errors.Is(err, &Error{Kind: KindNotHeld}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, path, owner, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Path:    path,
		Owner:   owner,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewNotHeldError reports that release/heartbeat referenced an owner/path
// with no granted entry.
func NewNotHeldError(path, owner string) *Error {
	return newError(KindNotHeld, path, owner, "no granted entry for owner")
}

// NewQueueTimeoutError reports that acquire did not succeed within the
// client's acquire_timeout_ms.
func NewQueueTimeoutError(path, owner string) *Error {
	return newError(KindQueueTimeout, path, owner, "acquire timed out waiting in queue")
}

// NewLeaseExpiredError reports that the sweep reclaimed the entry for
// exceeding lease_ms without a heartbeat.
func NewLeaseExpiredError(path, owner string) *Error {
	return newError(KindLeaseExpired, path, owner, "lease expired without heartbeat")
}

// NewForceExpiredError reports that the sweep reclaimed the entry for
// exceeding max_hold_ms regardless of heartbeats.
func NewForceExpiredError(path, owner string) *Error {
	return newError(KindForceExpired, path, owner, "max hold duration exceeded")
}

// NewStoreFailureError wraps a durable-store failure; the in-memory state is
// left unchanged by the caller.
func NewStoreFailureError(path string, cause error) *Error {
	return newError(KindStoreFailure, path, "", "durable store failure: %v", cause)
}

// NewInvalidArgumentError reports a malformed request (bad mode, empty path).
func NewInvalidArgumentError(format string, args ...any) *Error {
	return newError(KindInvalidArgument, "", "", format, args...)
}
