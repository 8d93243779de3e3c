package sidecar

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotStarted is returned by Send before Start or after Shutdown.
	ErrNotStarted = errors.New("sidecar not started")

	// ErrBrokenPipe means a write to the sidecar's stdin failed; the
	// process has most likely died.
	ErrBrokenPipe = errors.New("sidecar stdin broken")

	// ErrUnknownEvent marks a well-formed line with an unrecognised type tag.
	ErrUnknownEvent = errors.New("unknown sidecar event type")
)

// NotFoundError is returned by Start when no sidecar script exists at any
// candidate path.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	b.WriteString("sidecar not found. Tried:")
	for _, p := range e.Tried {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

// SpawnError wraps a failure to start the sidecar OS process.
type SpawnError struct {
	Runtime string
	Script  string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn sidecar %s %s: %v", e.Runtime, e.Script, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DecodeError preserves a stdout line that could not be decoded.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode sidecar line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
