package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Stage names the handshake step that failed
type Stage string

const (
	StageGenerate Stage = "generate"
	StageServe    Stage = "serve"
	StageScan     Stage = "scan"
	StageConnect  Stage = "connect"
	StageRead     Stage = "read"
	StageDecode   Stage = "decode"
	StageWrite    Stage = "write"
	StageSession  Stage = "session"
)

// Failure reasons reported to operators
const (
	ReasonScanTimeout       = "ScanTimeout"
	ReasonScanFailed        = "ScanFailed"
	ReasonConnectionError   = "ConnectionError"
	ReasonAttributeNotFound = "AttributeNotFound"
	ReasonReadError         = "ReadError"
	ReasonWriteError        = "WriteError"
	ReasonDecodeError       = "DecodeError"
	ReasonSessionError      = "SessionError"
	ReasonServeError        = "ServeError"
	ReasonCancelled         = "Cancelled"
	ReasonInternal          = "Internal"
)

// ErrBusy is returned when a handshake is already running
var ErrBusy = errors.New("handshake already running")

// Failure is a handshake attempt that did not produce a session
type Failure struct {
	Role  uwb.Role
	Stage Stage
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s handshake failed at %s: %v", f.Role, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Reason returns the failure class of f
func (f *Failure) Reason() string {
	return Reason(f.Err)
}

// Reason classifies err into one of the reported failure reasons
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, link.ErrScanTimeout):
		return ReasonScanTimeout
	case errors.Is(err, link.ErrScanFailed):
		return ReasonScanFailed
	case errors.Is(err, link.ErrAttributeNotFound):
		return ReasonAttributeNotFound
	case errors.Is(err, link.ErrConnection):
		return ReasonConnectionError
	case errors.Is(err, link.ErrRead):
		return ReasonReadError
	case errors.Is(err, link.ErrWrite):
		return ReasonWriteError
	case errors.Is(err, uwb.ErrDecode):
		return ReasonDecodeError
	case errors.Is(err, ranging.ErrSession):
		return ReasonSessionError
	case errors.Is(err, link.ErrAdvertise), errors.Is(err, link.ErrServer):
		return ReasonServeError
	}
	return ReasonInternal
}

// Retryable reports whether a fresh attempt may succeed where err failed.
// Transient radio failures qualify; malformed payloads and cancellation do
// not.
func Retryable(err error) bool {
	switch Reason(err) {
	case ReasonScanTimeout, ReasonConnectionError, ReasonReadError, ReasonWriteError:
		return true
	}
	return false
}
