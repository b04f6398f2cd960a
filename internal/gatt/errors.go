package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies stack failures by how a caller can react to them.
type ErrorKind int

const (
	// KindOther covers failures with no known recovery.
	KindOther ErrorKind = iota

	// KindTransientRestart means the stack was reset underneath us and the
	// service declarations are gone. Re-registering recovers.
	KindTransientRestart

	// KindInvalidUUID means the stack rejected a UUID or could not find the
	// attribute addressed by one, usually because declarations went stale.
	KindInvalidUUID
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientRestart:
		return "transient-restart"
	case KindInvalidUUID:
		return "invalid-uuid"
	default:
		return "other"
	}
}

// Recoverable reports whether re-registering services is expected to help.
func (k ErrorKind) Recoverable() bool {
	return k == KindTransientRestart || k == KindInvalidUUID
}

var (
	ErrRestartRequired = &StackError{Kind: KindTransientRestart}
	ErrInvalidUUID     = &StackError{Kind: KindInvalidUUID}
	ErrClosed          = &StackError{Kind: KindOther, Err: errors.New("stack closed")}
)

// StackError is the error type every Stack returns.
type StackError struct {
	Kind ErrorKind
	Op   string // advertise, declare, notify, close
	Err  error
}

func (e *StackError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("gatt %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("gatt: %s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("gatt %s: %s", e.Op, e.Kind)
	default:
		return "gatt: " + e.Kind.String()
	}
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, ErrRestartRequired) holds for any
// transient-restart failure regardless of operation or cause.
func (e *StackError) Is(target error) bool {
	t, ok := target.(*StackError)
	if !ok {
		return false
	}
	if t.Err != nil && t.Err != e.Err {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind from any error chain. Errors that are not
// StackErrors are KindOther.
func KindOf(err error) ErrorKind {
	var se *StackError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// Wrap attaches an operation name to err, keeping its kind if it already has one.
func Wrap(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *StackError
	if errors.As(err, &se) {
		if se.Op == "" {
			return &StackError{Kind: se.Kind, Op: op, Err: se.Err}
		}
		return err
	}
	return &StackError{Kind: kind, Op: op, Err: err}
}

// Messages stacks are known to use when their declarations have gone away or
// a UUID was refused. Backends pass raw library errors through Classify at
// the interface boundary.
var (
	restartMarkers = []string{"ble restart", "restart required", "stack reset", "hci reset", "adapter reset"}
	uuidMarkers    = []string{"uuid"}
)

// Classify maps a raw stack error message onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var se *StackError
	if errors.As(err, &se) {
		return se.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, m := range restartMarkers {
		if strings.Contains(msg, m) {
			return KindTransientRestart
		}
	}
	for _, m := range uuidMarkers {
		if strings.Contains(msg, m) {
			return KindInvalidUUID
		}
	}
	return KindOther
}
