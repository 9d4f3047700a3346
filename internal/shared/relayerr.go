package shared

import (
	"errors"

	"github.com/ashureev/agentrelay/internal/domain"
)

// RelayError wraps an error with a taxonomy kind (§7 Error Handling Design)
// so callers can decide disposition (fatal/close, surface as ERROR frame,
// log-and-continue) without a deep custom error-type hierarchy.
type RelayError struct {
	Kind domain.ErrorKind
	Err  error
}

func (e *RelayError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError wraps err with the given taxonomy kind.
func NewRelayError(kind domain.ErrorKind, err error) *RelayError {
	return &RelayError{Kind: kind, Err: err}
}

// AsRelayError reports the taxonomy kind of err, defaulting to INTERNAL for
// errors that were never classified. SQLite contention errors are
// classified as STORAGE via IsSQLiteConflictError so callers at any layer
// can ask "what kind of error is this" uniformly.
func AsRelayError(err error) (domain.ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	if IsSQLiteConflictError(err) {
		return domain.ErrStorage, true
	}
	return domain.ErrInternal, true
}
