// Package errormap collects independent failures keyed by the thing that failed.
package errormap

import (
	"sort"
	"strings"
)

type ErrorMap struct {
	Title  string
	Errors map[string]error
}

func New(title string) *ErrorMap {
	return &ErrorMap{Title: title}
}

func (e *ErrorMap) Error() string {
	if len(e.Errors) == 0 {
		return ""
	}

	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	builder := strings.Builder{}
	if e.Title != "" {
		builder.WriteString(e.Title + ":\n")
	} else {
		builder.WriteString("Errors:\n")
	}
	for _, k := range keys {
		builder.WriteString(k)
		builder.WriteString(": ")
		builder.WriteString(e.Errors[k].Error())
		builder.WriteString("\n")
	}
	return builder.String()
}

// AddError records err under key. A nil err is ignored.
func (e *ErrorMap) AddError(key string, err error) {
	if err == nil {
		return
	}
	if e.Errors == nil {
		e.Errors = make(map[string]error)
	}
	e.Errors[key] = err
}

func (e *ErrorMap) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *ErrorMap) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err)
	}
	return out
}

// Err returns e if it holds any errors, otherwise nil.
func (e *ErrorMap) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
