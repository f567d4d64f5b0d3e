package engine

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error, one concept per kind.
type Kind string

const (
	// KindConfig indicates a missing, malformed, or unresolvable configuration.
	KindConfig Kind = "config"

	// KindConfigSubstitution indicates an unresolved ${ENV_VAR} substitution.
	KindConfigSubstitution Kind = "config_substitution"

	// KindUnknownIdentifier indicates a service/environment lookup miss.
	KindUnknownIdentifier Kind = "unknown_identifier"

	// KindAmbiguousIdentifier indicates an identifier naming both a service
	// and an environment.
	KindAmbiguousIdentifier Kind = "ambiguous_identifier"

	// KindPluginLoad indicates a module not found, a wrong interface, or a
	// compile failure.
	KindPluginLoad Kind = "plugin_load"

	// KindPluginRuntime carries a message returned by the plugin, verbatim.
	KindPluginRuntime Kind = "plugin_runtime"

	// KindPluginSchema indicates settings or a detection failed its schema.
	KindPluginSchema Kind = "plugin_schema"

	// KindPolicyViolation indicates a structural policy check failed.
	KindPolicyViolation Kind = "policy_violation"

	// KindStateIO indicates a state store read/write problem.
	KindStateIO Kind = "state_io"

	// KindStateLocked indicates the state lock is held by someone else.
	KindStateLocked Kind = "state_locked"

	// KindStateCommitFailed indicates the final state write failed after retry.
	KindStateCommitFailed Kind = "state_commit_failed"

	// KindWorkspaceIO indicates a filesystem problem under the workspace.
	KindWorkspaceIO Kind = "workspace_io"

	// KindDuplicateDetection indicates two files sharing a stem under one plugin.
	KindDuplicateDetection Kind = "duplicate_detection"

	// KindBadPath indicates a non-UTF-8 or otherwise unusable path.
	KindBadPath Kind = "bad_path"

	// KindCancelled indicates the operation was aborted by the user.
	KindCancelled Kind = "cancelled"
)

// Error is the classified error carried across package boundaries.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Service is the service identifier involved, if any.
	Service string `json:"service,omitempty"`

	// Detection is the detection local name involved, if any.
	Detection string `json:"detection,omitempty"`

	// LockHolder and LockCreated describe the conflicting lock for
	// KindStateLocked.
	LockHolder  string    `json:"lock_holder,omitempty"`
	LockCreated time.Time `json:"lock_created,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %s", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	switch {
	case e.Service != "" && e.Detection != "":
		return fmt.Sprintf("[%s] %s (service=%s, detection=%s)", e.Kind, msg, e.Service, e.Detection)
	case e.Service != "":
		return fmt.Sprintf("[%s] %s (service=%s)", e.Kind, msg, e.Service)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match when
// their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithService adds service context to the error.
func (e *Error) WithService(id string) *Error {
	e.Service = id
	return e
}

// WithDetection adds detection context to the error.
func (e *Error) WithDetection(name string) *Error {
	e.Detection = name
	return e
}

// NewError creates a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewStateLocked creates a KindStateLocked error carrying the holder's lock ID
// and the lock creation time.
func NewStateLocked(holder string, created time.Time) *Error {
	return &Error{
		Kind:        KindStateLocked,
		Message:     fmt.Sprintf("state is locked by %q", holder),
		LockHolder:  holder,
		LockCreated: created,
	}
}

// NewPluginRuntime wraps a message returned by a plugin, verbatim.
func NewPluginRuntime(message string) *Error {
	return &Error{Kind: KindPluginRuntime, Message: message}
}

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
