// Package probeerrors is the curated error type used throughout probecore.
//
// Curated errors normalise the causal chain: when one layer wraps the error
// returned by the layer below it with Errorf, duplicate adjacent message
// fragments are removed. This lets every layer in the stack (probe, JTAG,
// ARM DP/AP, core, debug info) add context on the way up without producing
// "dp error: dp error: wait timeout" style repetition.
package probeerrors

import (
	"fmt"
	"strings"
)

// Values carries arguments for a curated error, exactly as they were passed
// to Errorf. Used by callers that need to recover structured payloads (e.g.
// BatchError's partial-result prefix) rather than just the formatted text.
type Values []any

// curated is the concrete type behind every error this package produces.
type curated struct {
	message string
	values  Values
}

// Errorf creates a curated error from a message template and values, in the
// same spirit as fmt.Errorf but with normalised chaining (see Error).
func Errorf(message string, values ...any) error {
	return curated{message: message, values: values}
}

// Error implements the error interface. Adjacent duplicate parts (as
// produced by repeated wrapping of the same underlying cause) are collapsed.
func (er curated) Error() string {
	s := fmt.Errorf(er.message, er.values...).Error()

	p := strings.SplitN(s, ": ", 3)
	if len(p) > 1 && p[0] == p[1] {
		return strings.Join(p[1:], ": ")
	}
	return strings.Join(p, ": ")
}

// Is supports errors.Is against the package's sentinel values: two curated
// errors are equal for this purpose iff they share the same message
// template, regardless of their values.
func (er curated) Is(target error) bool {
	t, ok := target.(curated)
	if !ok {
		return false
	}
	return er.message == t.message
}

// Unwrap exposes the first value that is itself an error, so that
// errors.Is/As can walk through a curated chain built from wrapped
// lower-layer errors (e.g. Errorf(DPWait, "%w", lowerErr)).
func (er curated) Unwrap() error {
	for _, v := range er.values {
		if e, ok := v.(error); ok {
			return e
		}
	}
	return nil
}

// Head returns the message template of a curated error, or err.Error() for a
// plain error. Useful in switches over error kind.
func Head(err error) string {
	if er, ok := err.(curated); ok {
		return er.message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsCurated reports whether err was produced by this package.
func IsCurated(err error) bool {
	_, ok := err.(curated)
	return ok
}

// ValuesOf returns the values a curated error was built with, or nil.
func ValuesOf(err error) Values {
	if er, ok := err.(curated); ok {
		return er.values
	}
	return nil
}
