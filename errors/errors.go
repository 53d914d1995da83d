// Package errors defines the failure classes exposed at the SOP boundary
// (spec §6/§7) as sentinel errors, plus a context-carrying wrapper the
// transaction manager uses to attach {tx_uuid, phase, offending_logical_ids}
// without every call site re-inventing that bookkeeping.
package errors

import (
	"errors"
	"fmt"
)

// Class groups the sentinel errors below into the four propagation
// policies from spec §7: user, retryable, environmental, fatal.
type Class int

const (
	ClassUser Class = iota
	ClassRetryable
	ClassEnvironmental
	ClassFatal
)

// Sentinel errors. Use errors.Is against these, never string matching.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrPreconditionFailed = errors.New("precondition failed")

	ErrConflictRetryable = errors.New("conflict: retry the transaction")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrCanceled          = errors.New("canceled")

	ErrIoError = errors.New("io error")
	ErrTimeout = errors.New("deadline exceeded")

	ErrDataLoss = errors.New("data loss")
	ErrInternal = errors.New("internal error")
)

var classOf = map[error]Class{
	ErrNotFound:           ClassUser,
	ErrDuplicate:          ClassUser,
	ErrInvalidState:       ClassUser,
	ErrInvalidConfig:      ClassUser,
	ErrPreconditionFailed: ClassUser,

	ErrConflictRetryable: ClassRetryable,
	ErrLockTimeout:       ClassRetryable,
	ErrCanceled:          ClassRetryable,

	ErrIoError: ClassEnvironmental,
	ErrTimeout: ClassEnvironmental,

	ErrDataLoss: ClassFatal,
	ErrInternal: ClassFatal,
}

// Error wraps a sentinel with the context the transaction manager needs
// to report a precise failure: which operation, which transaction, which
// phase, and which logical ids were implicated.
type Error struct {
	Sentinel   error
	Op         string
	TxID       string
	Phase      string
	LogicalIDs []string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Sentinel)
	if e.TxID != "" {
		msg = fmt.Sprintf("%s [tx=%s]", msg, e.TxID)
	}
	if e.Phase != "" {
		msg = fmt.Sprintf("%s [phase=%s]", msg, e.Phase)
	}
	if len(e.LogicalIDs) > 0 {
		msg = fmt.Sprintf("%s [ids=%v]", msg, e.LogicalIDs)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Sentinel
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Sentinel, target)
}

// Wrap builds a context-carrying Error around a sentinel.
func Wrap(sentinel error, op string, opts ...Option) *Error {
	e := &Error{Sentinel: sentinel, Op: op}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type Option func(*Error)

func WithTxID(txID string) Option {
	return func(e *Error) { e.TxID = txID }
}

func WithPhase(phase string) Option {
	return func(e *Error) { e.Phase = phase }
}

func WithLogicalIDs(ids ...string) Option {
	return func(e *Error) { e.LogicalIDs = ids }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.Err = cause }
}

// ClassOf classifies err by walking its unwrap chain against the known
// sentinels. Unknown errors classify as ClassFatal: surfaced immediately,
// no further writes attempted until the caller understands what happened.
func ClassOf(err error) Class {
	for sentinel, class := range classOf {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ClassFatal
}

func IsRetryable(err error) bool { return ClassOf(err) == ClassRetryable }
func IsUserError(err error) bool { return ClassOf(err) == ClassUser }
func IsFatal(err error) bool     { return ClassOf(err) == ClassFatal }
