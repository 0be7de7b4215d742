package ubusdev

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in the design notes. Wrap these with
// fmt.Errorf("...: %w", ...) when more context is available; callers use
// errors.Is against the sentinel.
var (
	// ErrHandlerAbsent means the class's handler link is not Subscribed;
	// the caller performed no local mutation and no RPC was issued.
	ErrHandlerAbsent = errors.New("ubusdev: external handler not subscribed")

	// ErrTransport wraps a dispatch-level failure from the bus. The shadow
	// stays in its current pending state; its timer will retry.
	ErrTransport = errors.New("ubusdev: transport error")

	// ErrNotFound means a caller referenced an unknown device or member.
	ErrNotFound = errors.New("ubusdev: not found")

	// ErrExhaustedRetries means MAX_RETRY was exceeded without a matching
	// notification; the shadow is left un-synchronized with no further
	// automatic action.
	ErrExhaustedRetries = errors.New("ubusdev: retries exhausted")

	// ErrConfigError means a class's metadata is invalid or does not
	// support the request: schema validation failed during registration
	// (the class is discarded), the class lacks the requested operation or
	// dump schema, or a schema field's query failed to compile or run.
	ErrConfigError = errors.New("ubusdev: class configuration error")

	// ErrNoMembers means set_up was called on a bridge with no present
	// members and force_active is false.
	ErrNoMembers = errors.New("ubusdev: bridge has no present members")
)

// ProtocolError represents a malformed inbound notification payload. The
// notification carrying it is dropped; it is never surfaced to an adapter
// caller.
type ProtocolError struct {
	Type    string
	Reason  string
	Payload Blob
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ubusdev: malformed %q notification: %s", e.Type, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return errInvalidArgument }

var errInvalidArgument = errors.New("ubusdev: invalid argument")

func newProtocolError(typ, reason string, payload Blob) *ProtocolError {
	return &ProtocolError{Type: typ, Reason: reason, Payload: payload}
}
