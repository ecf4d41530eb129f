package csrf

import "errors"

// ErrRejected matches every *RejectionError.
var ErrRejected = errors.New("csrf token rejected")

// ErrStoreUnavailable wraps store failures.
var ErrStoreUnavailable = errors.New("csrf store unavailable")

// Reason names why a token was rejected.
type Reason string

const (
	ReasonMissing          Reason = "missing"
	ReasonMalformed        Reason = "malformed"
	ReasonSessionMismatch  Reason = "session_mismatch"
	ReasonExpired          Reason = "expired"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonNotFound         Reason = "not_found"
	ReasonReplayed         Reason = "replayed"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// HTTP error codes reported to clients.
const (
	CodeMissing = "CSRF_TOKEN_MISSING"
	CodeInvalid = "CSRF_TOKEN_INVALID"
)

// RejectionError is returned by Verify.
type RejectionError struct {
	Reason Reason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return "csrf: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "csrf: " + string(e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Code returns the client-facing error code.
func (e *RejectionError) Code() string {
	if e.Reason == ReasonMissing {
		return CodeMissing
	}
	return CodeInvalid
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a
// rejection.
func ReasonOf(err error) Reason {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
