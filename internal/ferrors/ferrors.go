// Package ferrors defines the error kinds raised by a fuzzing campaign.
package ferrors

import "errors"

// Kind distinguishes the handling a caller should give an error. A Kind
// error always wraps a more specific cause; compare with errors.Is against
// the exported sentinels below, and recover the cause with errors.Unwrap.
type Kind struct {
	label string
	err   error
}

func (k *Kind) Error() string {
	if k.err == nil {
		return k.label
	}
	return k.label + ": " + k.err.Error()
}

func (k *Kind) Unwrap() error { return k.err }

// Is reports whether target is the same Kind sentinel, ignoring any
// wrapped cause. This lets errors.Is(err, ferrors.Configuration) match
// any Configuration-wrapped error, not just the bare sentinel.
func (k *Kind) Is(target error) bool {
	t, ok := target.(*Kind)
	return ok && t.label == k.label
}

var (
	// Configuration marks missing keys, unresolvable registry names, or
	// paths that do not exist.
	Configuration = &Kind{label: "configuration error"}
	// Parse marks malformed input during chromosome deserialization.
	Parse = &Kind{label: "parse error"}
	// Analysis marks subprocess failure, pipe read failure, or a
	// malformed trace frame.
	Analysis = &Kind{label: "analysis error"}
	// InsufficientDiversity marks fewer than two chromosomes surviving
	// elitism; the campaign cannot continue.
	InsufficientDiversity = &Kind{label: "insufficient diversity"}
)

// Wrap returns an error of the given kind wrapping cause. Wrap(k, nil)
// returns nil, matching the convention that nil errors are not wrapped.
func Wrap(kind *Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Kind{label: kind.label, err: cause}
}

// New returns an error of the given kind with msg as its cause.
func New(kind *Kind, msg string) error {
	return &Kind{label: kind.label, err: errors.New(msg)}
}
