package errors

import (
	"strings"
	"sync"
)

// MultiError collects zero or more errors, it is safe for concurrent use.
// The zero value, via NewMultiError, is an empty aggregate.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	Appendf(format string, a ...any)
	WrappedErrors() []error
	ErrorOrNil() error
}

type multiError struct {
	lock sync.Mutex
	errs []error
}

func NewMultiError() MultiError {
	return &multiError{}
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errs)
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
}

func (e *multiError) Appendf(format string, a ...any) {
	e.Append(Errorf(format, a...))
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

func (e *multiError) ErrorOrNil() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e
}

func (e *multiError) Error() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	switch len(e.errs) {
	case 0:
		return ""
	case 1:
		return e.errs[0].Error()
	default:
		var out strings.Builder
		out.WriteString(Errorf("%d errors occurred:", len(e.errs)).Error())
		for _, err := range e.errs {
			out.WriteString("\n- ")
			out.WriteString(err.Error())
		}
		return out.String()
	}
}

// Unwrap supports errors.Is/errors.As over all wrapped errors.
func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}
