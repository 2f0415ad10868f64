package model

import "fmt"

// ErrorKind classifies a failure for retry and reporting purposes. These are
// kinds, not Go types: callers switch on Kind rather than using errors.As
// against a family of concrete error structs.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "NETWORK"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindHTTP5xx             ErrorKind = "HTTP_5XX"
	KindHTTP429             ErrorKind = "HTTP_429"
	KindHTTP408             ErrorKind = "HTTP_408"
	KindHTTP4xxOther        ErrorKind = "HTTP_4XX_OTHER"
	KindProtocol            ErrorKind = "PROTOCOL"
	KindUnsupported         ErrorKind = "UNSUPPORTED"
	KindIOWrite             ErrorKind = "IO_WRITE"
	KindDiskFull            ErrorKind = "DISK_FULL"
	KindChecksumMismatch    ErrorKind = "CHECKSUM_MISMATCH"
	KindCancelled           ErrorKind = "CANCELLED"
	KindContractViolation   ErrorKind = "CONTRACT_VIOLATION"
	KindValidation          ErrorKind = "VALIDATION"
)

// IsRetryable reports whether a failure of this kind should be retried by
// the scheduler rather than treated as terminal.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindHTTP5xx, KindHTTP429, KindHTTP408, KindIOWrite:
		return true
	default:
		return false
	}
}

// DownloadError wraps an underlying error with the classification the
// scheduler and coordinator need to decide retry vs terminal handling.
type DownloadError struct {
	Kind ErrorKind
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// NewError builds a DownloadError, wrapping nil-safely.
func NewError(kind ErrorKind, err error) *DownloadError {
	return &DownloadError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *DownloadError, else returns KindValidation as an unclassified fallback
// that is never retried.
func KindOf(err error) ErrorKind {
	var de *DownloadError
	for err != nil {
		if d, ok := err.(*DownloadError); ok {
			de = d
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if de == nil {
		return KindValidation
	}
	return de.Kind
}
