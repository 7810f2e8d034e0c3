// Package provider defines the two shapes the orchestrator consumes from
// generative providers: a synchronous call, and start plus poll for slow
// operations that hand back an opaque reference.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Mode says how a kind of work is executed.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

var (
	// ErrProvider marks every failure that came from an external provider.
	ErrProvider      = errors.New("provider error")
	ErrUnknownStatus = errors.New("unknown operation status")
	ErrUnknownKind   = errors.New("no provider for kind")
)

// Error describes a failed provider interaction. Permanent errors will not
// succeed on retry and go straight to compensation.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error { return []error{ErrProvider, e.Err} }

// IsPermanent reports whether err carries a permanent provider failure.
// Errors that are not provider errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}

// Request is one unit of generation work.
type Request struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Result is what a successful call produced. Ref points at the stored
// artifact; Output is optional structured data (used as step output).
type Result struct {
	Ref    string          `json:"result_ref"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Status is the state of a long-running operation. It is one of Pending,
// Done or DoneError; callers switch over it exhaustively.
type Status interface {
	isStatus()
}

type Pending struct{}

type Done struct {
	Result Result
}

type DoneError struct {
	Reason string
}

func (Pending) isStatus()   {}
func (Done) isStatus()      {}
func (DoneError) isStatus() {}

// Caller runs work synchronously.
type Caller interface {
	Call(ctx context.Context, req Request) (Result, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, req Request) (Result, error)

func (f CallerFunc) Call(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// AsyncProvider starts work and reports on it later.
type AsyncProvider interface {
	Start(ctx context.Context, req Request) (ref string, err error)
	Poll(ctx context.Context, ref string) (Status, error)
}
