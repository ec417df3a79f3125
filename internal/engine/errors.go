package engine

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at an adapter boundary.
type Kind string

const (
	KindDuplicate Kind = "duplicate"
	KindNoRules   Kind = "no_rules"
	KindMatcher   Kind = "matcher"
	KindSafety    Kind = "safety"
	KindDispatch  Kind = "dispatch"
	KindTimeout   Kind = "timeout"
	KindStorage   Kind = "storage"
)

// Failure is an error tagged with its Kind.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// IsKind reports whether err is a Failure of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}
