package journey

import (
	"errors"
	"fmt"

	"mealroute/internal/routeclient"
	"mealroute/internal/store"
)

// Kind classifies an Error for the HTTP boundary.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindState
	KindUpstream
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindUpstream:
		return "upstream"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Retry tells the caller what a retry of the same request would do.
type Retry string

const (
	// RetrySafe: nothing changed, the request may be sent again as is.
	RetrySafe Retry = "safe"
	// RetryCheckStatus: the outcome is unknown, read status before retrying.
	RetryCheckStatus Retry = "check_status"
	// RetryNo: the request itself must change.
	RetryNo Retry = "no"
)

// Machine-readable error codes.
const (
	CodeMissingRoute        = "MISSING_ROUTE"
	CodeMissingDriver       = "MISSING_DRIVER"
	CodeMissingStop         = "MISSING_STOP"
	CodeMissingDelivery     = "MISSING_DELIVERY"
	CodeMissingDeliveries   = "MISSING_DELIVERIES"
	CodeInvalidStopOrder    = "INVALID_STOP_ORDER"
	CodeInvalidSession      = "INVALID_SESSION"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeInvalidDate         = "INVALID_DATE"
	CodeInvalidLocation     = "INVALID_LOCATION"
	CodeInvalidDelay        = "INVALID_DELAY"
	CodeInvalidDriverCount  = "INVALID_DRIVER_COUNT"
	CodeAmbiguousStop       = "AMBIGUOUS_STOP"
	CodeDeliveryMismatch    = "DELIVERY_MISMATCH"
	CodeStopNotFound        = "STOP_NOT_FOUND"
	CodeRouteNotFound       = "ROUTE_NOT_FOUND"
	CodeNotStarted          = "NOT_STARTED"
	CodeJourneyEnded        = "JOURNEY_ALREADY_ENDED"
	CodeSessionEnded        = "SESSION_ALREADY_ENDED"
	CodeRouteInProgress     = "ROUTE_IN_PROGRESS"
	CodeReorderConflict     = "REORDER_CONFLICT"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeIncompleteResponse  = "INCOMPLETE_OPTIMIZER_RESPONSE"
	CodeStoreError          = "STORE_ERROR"
)

// Error is returned by every Lifecycle operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Retry   Retry
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var je *Error
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}

func invalid(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...), Retry: RetryNo}
}

func notFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...), Retry: RetryNo}
}

func conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindState, Code: code, Message: fmt.Sprintf(format, args...), Retry: RetryNo}
}

// storeError wraps a persistence failure. A failed write may or may not have
// committed, so the caller is told to check status first.
func storeError(op string, err error, write bool) *Error {
	retry := RetrySafe
	if write {
		retry = RetryCheckStatus
	}
	return &Error{Kind: KindStore, Code: CodeStoreError, Message: op + " failed", Retry: retry, Err: err}
}

// upstreamError maps a routeclient failure. For write operations (plan,
// reoptimize) a timeout or dropped connection leaves the engine's side
// unknown; an explicit error response does not.
func upstreamError(op string, err error, write bool) *Error {
	e := &Error{Kind: KindUpstream, Code: CodeUpstreamError, Message: op + " failed", Retry: RetrySafe, Err: err}
	var ue *routeclient.UpstreamError
	if !errors.As(err, &ue) {
		return e
	}
	switch {
	case ue.Timeout:
		e.Code, e.Message = CodeUpstreamTimeout, op+" timed out"
	case ue.Status == 0:
		e.Code, e.Message = CodeUpstreamUnavailable, "route optimization engine unreachable"
	default:
		e.Message = fmt.Sprintf("route optimization engine returned %d: %s", ue.Status, ue.Message)
	}
	if write && (ue.Timeout || ue.Status == 0) {
		e.Retry = RetryCheckStatus
	}
	return e
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
