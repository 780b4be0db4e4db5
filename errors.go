package partmesh

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("partmesh: invalid options")
	ErrOutOfRange     = errors.New("partmesh: id outside the declared range")
	ErrUnknownFeature = errors.New("partmesh: no such feature table")
	ErrShapeMismatch  = errors.New("partmesh: buffer shape disagrees with the feature table")
	ErrCountMismatch  = errors.New("partmesh: id list and buffer list lengths differ")
	ErrUnknownService = errors.New("partmesh: no handler registered for service id")
	ErrTimeout        = errors.New("partmesh: no response within the request deadline")
	ErrBadResponse    = errors.New("partmesh: response payload has an unexpected layout")
	ErrBadAssignment  = errors.New("partmesh: partition assignment is not a bijection")

	ErrMalformedFrame = errors.New("transport: malformed frame")
	ErrFrameTooLarge  = errors.New("transport: frame exceeds the maximum frame size")
	ErrConnLost       = errors.New("transport: connection lost")
	ErrQueueFull      = errors.New("transport: outbound queue full")
	ErrShutdown       = errors.New("transport: shutting down")
	ErrNoTLSConfig    = errors.New("transport: TLSConfig is required")
	ErrHandshake      = errors.New("transport: peer handshake failed")
	ErrClusterShape   = errors.New("transport: peer disagrees on cluster shape")
)

var (
	qerrStreamClosed = quic.StreamErrorCode(0xFF)
)

var (
	qerrProtocol = appError{
		Code:   0x1,
		Prefix: "protocol violation",
	}
	qerrShutdown = appError{
		Code:   0x2,
		Prefix: "shutdown",
	}
	qerrHandshake = appError{
		Code:   0x3,
		Prefix: "handshake",
	}
	qerrInternal = appError{
		Code:   0x4,
		Prefix: "internal",
	}
)

type appError struct {
	Code   uint64
	Prefix string
}

func (qerr *appError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// Status is the request-level error code carried in a response header.
// Statuses are non-fatal to the connection; they surface to the caller of
// Dispatcher.Call as the matching sentinel error.
type Status uint8

const (
	StatusOK Status = iota
	StatusUnknownService
	StatusOutOfRange
	StatusUnknownFeature
	StatusShapeMismatch
	StatusCountMismatch
	StatusQueueFull
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownService:
		return "unknown_service"
	case StatusOutOfRange:
		return "out_of_range"
	case StatusUnknownFeature:
		return "unknown_feature"
	case StatusShapeMismatch:
		return "shape_mismatch"
	case StatusCountMismatch:
		return "count_mismatch"
	case StatusQueueFull:
		return "queue_full"
	default:
		return "internal"
	}
}

// Err maps a status back to its sentinel, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnknownService:
		return ErrUnknownService
	case StatusOutOfRange:
		return ErrOutOfRange
	case StatusUnknownFeature:
		return ErrUnknownFeature
	case StatusShapeMismatch:
		return ErrShapeMismatch
	case StatusCountMismatch:
		return ErrCountMismatch
	case StatusQueueFull:
		return ErrQueueFull
	default:
		return errors.New("partmesh: remote handler failed")
	}
}

// statusOf classifies a handler error into the wire status for the response.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrUnknownService):
		return StatusUnknownService
	case errors.Is(err, ErrOutOfRange):
		return StatusOutOfRange
	case errors.Is(err, ErrUnknownFeature):
		return StatusUnknownFeature
	case errors.Is(err, ErrShapeMismatch):
		return StatusShapeMismatch
	case errors.Is(err, ErrCountMismatch):
		return StatusCountMismatch
	case errors.Is(err, ErrQueueFull):
		return StatusQueueFull
	default:
		return StatusInternal
	}
}
