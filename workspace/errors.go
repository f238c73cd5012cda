package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfdesk/engine"
)

var (
	// ErrInput is matched by every InputError.
	ErrInput = errors.New("invalid input")
	// ErrProcessing is matched by every ProcessingError.
	ErrProcessing = errors.New("processing failed")
	// ErrUnavailable is matched by every UnavailableError.
	ErrUnavailable = errors.New("temporarily unavailable")

	ErrBusy         = errors.New("an operation is already running")
	ErrTooFewFiles  = errors.New("please upload at least two PDF files to merge")
	ErrNeedOneFile  = errors.New("please upload exactly one PDF file to split")
	ErrWrongMode    = errors.New("operation not available in this mode")
	ErrUnknownMode  = errors.New("unknown mode")
	ErrPagesUnknown = errors.New("page count not available")
	ErrClosed       = errors.New("workspace closed")
)

// InputError is a rejected request. Workspace state is unchanged.
type InputError struct {
	Op  string
	Err error
}

func (e *InputError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *InputError) Unwrap() error { return e.Err }
func (e *InputError) Is(target error) bool {
	return target == ErrInput
}

// ProcessingError is a failure inside the PDF engine. The operation produced
// no output and staged files are kept for a retry.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProcessingError) Unwrap() error { return e.Err }
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessing
}

// UnavailableError is a PDF call that never looked at the input: the engine
// was overloaded or the caller gave up. Retrying the same request may work.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UnavailableError) Unwrap() error { return e.Err }
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// EngineError wraps an error returned by the PDF engine in the matching kind.
func EngineError(op string, err error) error {
	if errors.Is(err, engine.ErrOverloaded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UnavailableError{Op: op, Err: err}
	}
	return processingErr(op, err)
}

func inputErr(op string, err error) error { return &InputError{Op: op, Err: err} }
func processingErr(op string, err error) error {
	return &ProcessingError{Op: op, Err: err}
}
