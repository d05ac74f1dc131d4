// Package direrror provides enhanced errors for the relay core. Errors
// created with direrror can carry additional structured context as
// key/value pairs and support wrapping so that errors.Is/As work against
// the sentinel error kinds defined in the storage, bpsec and config
// packages.
package direrror

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap/zapcore"
)

// ctxPair is one item of structured log context.
type ctxPair struct {
	Key   string
	Value interface{}
}

// basicError is the concrete error type returned by New and Wrap.
type basicError struct {
	msg   string
	cause error
	ctx   []ctxPair
}

func (e *basicError) Error() string {
	var buf bytes.Buffer
	buf.WriteString(e.msg)
	if len(e.ctx) != 0 {
		buf.WriteString(" ")
		encodeContext(&buf, e.ctx)
	}
	if e.cause != nil {
		fmt.Fprintf(&buf, ": %s", e.cause)
	}
	return buf.String()
}

func (e *basicError) Unwrap() error {
	return e.cause
}

// Is makes New-created sentinels compare equal only to themselves unless
// explicitly wrapped, matching errors.Is semantics for a *basicError chain.
func (e *basicError) Is(target error) bool {
	other, ok := target.(*basicError)
	return ok && other == e
}

// MarshalLogObject implements zapcore.ObjectMarshaler for structured logging.
func (e *basicError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("msg", e.msg)
	for _, p := range e.ctx {
		if err := enc.AddReflected(p.Key, p.Value); err != nil {
			return err
		}
	}
	if e.cause != nil {
		enc.AddString("cause", e.cause.Error())
	}
	return nil
}

func mkCtx(errCtx ...interface{}) []ctxPair {
	np := len(errCtx) / 2
	ctx := make([]ctxPair, np)
	for i := 0; i < np; i++ {
		ctx[i] = ctxPair{Key: fmt.Sprint(errCtx[2*i]), Value: errCtx[2*i+1]}
	}
	sort.Slice(ctx, func(a, b int) bool { return ctx[a].Key < ctx[b].Key })
	return ctx
}

// New creates a new sentinel error carrying the given message and context.
// Sentinels created with New are meant to be package-level vars matched
// with errors.Is, e.g. var ErrOutOfSpace = direrror.New("out of space").
func New(msg string, errCtx ...interface{}) error {
	return &basicError{msg: msg, ctx: mkCtx(errCtx...)}
}

// Wrap returns an error associating msg and errCtx with cause. The returned
// error supports errors.Is(result, cause) and errors.Is(result, result).
func Wrap(msg string, cause error, errCtx ...interface{}) error {
	return &basicError{msg: msg, cause: cause, ctx: mkCtx(errCtx...)}
}

func encodeContext(buf *bytes.Buffer, pairs []ctxPair) {
	buf.WriteString("{")
	for i, p := range pairs {
		fmt.Fprintf(buf, "%s=%v", p.Key, p.Value)
		if i != len(pairs)-1 {
			buf.WriteString("; ")
		}
	}
	buf.WriteString("}")
}

// As is a convenience re-export so callers need not import errors directly
// alongside direrror in the common case of kind checks.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is a convenience re-export of errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
