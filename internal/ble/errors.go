package ble

import (
	"context"
	"errors"
	"fmt"
)

// ScanFailReason identifies why a scan could not start or finish.
type ScanFailReason int

const (
	ScanPermissionDenied ScanFailReason = iota + 1
	ScanUnsupportedHardware
	ScanLocationServiceDisabled
	ScanRadioDisabled
	ScanAlreadyInProgress
	ScanTransportFailure
)

func (r ScanFailReason) String() string {
	switch r {
	case ScanPermissionDenied:
		return "permission denied"
	case ScanUnsupportedHardware:
		return "bluetooth low energy not supported"
	case ScanLocationServiceDisabled:
		return "location service disabled"
	case ScanRadioDisabled:
		return "bluetooth disabled"
	case ScanAlreadyInProgress:
		return "scan already in progress"
	case ScanTransportFailure:
		return "scan transport error"
	default:
		return fmt.Sprintf("scan fail reason %d", int(r))
	}
}

// Sentinels matched by ScanError.Is.
var (
	ErrPermissionDenied        = errors.New("ble: permission denied")
	ErrUnsupportedHardware     = errors.New("ble: bluetooth low energy not supported")
	ErrLocationServiceDisabled = errors.New("ble: location service disabled")
	ErrRadioDisabled           = errors.New("ble: bluetooth disabled")
	ErrScanAlreadyInProgress   = errors.New("ble: scan already in progress")
	ErrScanTransport           = errors.New("ble: scan transport error")
)

var scanSentinels = map[ScanFailReason]error{
	ScanPermissionDenied:        ErrPermissionDenied,
	ScanUnsupportedHardware:     ErrUnsupportedHardware,
	ScanLocationServiceDisabled: ErrLocationServiceDisabled,
	ScanRadioDisabled:           ErrRadioDisabled,
	ScanAlreadyInProgress:       ErrScanAlreadyInProgress,
	ScanTransportFailure:        ErrScanTransport,
}

// ScanError is delivered with a ScanFailed event.
type ScanError struct {
	Reason ScanFailReason
	Code   int   // platform error code for transport failures, -1 when unknown
	Err    error // underlying cause, nil for precondition failures
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: scan: %s (code %d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("ble: scan: %s", e.Reason)
}

func (e *ScanError) Unwrap() error { return e.Err }

func (e *ScanError) Is(target error) bool {
	return scanSentinels[e.Reason] == target
}

// TransportError lets an Adapter attach a platform error code to a failure.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: transport error %d: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transportCode extracts a platform code from err, or -1.
func transportCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return -1
}

// ConnectFailCause distinguishes why a connect call gave up.
type ConnectFailCause int

const (
	CauseTimeout ConnectFailCause = iota + 1
	CauseTransport
	CauseCancelled
)

func (c ConnectFailCause) String() string {
	switch c {
	case CauseTimeout:
		return "timeout"
	case CauseTransport:
		return "transport failure"
	case CauseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("connect fail cause %d", int(c))
	}
}

var (
	ErrConnectTimeout   = errors.New("ble: connect timed out")
	ErrConnectTransport = errors.New("ble: connect failed")
	ErrConnectCancelled = errors.New("ble: connect cancelled")
)

// ConnectError is delivered with a ConnectFail event.
type ConnectError struct {
	Address  string
	Cause    ConnectFailCause
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connect to %s: %s after %d attempt(s): %v", e.Address, e.Cause, e.Attempts, e.Err)
	}
	return fmt.Sprintf("ble: connect to %s: %s after %d attempt(s)", e.Address, e.Cause, e.Attempts)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	switch e.Cause {
	case CauseTimeout:
		return target == ErrConnectTimeout
	case CauseTransport:
		return target == ErrConnectTransport
	case CauseCancelled:
		return target == ErrConnectCancelled
	}
	return false
}

// connectCause classifies an adapter connect error.
func connectCause(err error) ConnectFailCause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CauseCancelled
	}
	return CauseTransport
}

// WriteError describes a failed packet of a write transaction.
type WriteError struct {
	Seq int
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ble: write packet %d: %v", e.Seq, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

var (
	// ErrNotConnected is returned for operations on an address without a
	// Connected session.
	ErrNotConnected = errors.New("ble: device not connected")
)
