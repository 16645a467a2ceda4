// Package skerr provides tools for wrapping errors with stack context.
//
// Use Wrap or Wrapf at every point where an error crosses a package boundary
// so that the eventual log line tells you where the error came from without
// requiring every layer to add redundant prose.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrame identifies one level of a call stack.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithContext is an error plus the call stack at the point where it was
// wrapped and an optional additional message.
type ErrorWithContext struct {
	// Wrapped is the underlying error. Never nil.
	Wrapped error
	// CallStack is the call stack at the point of the Wrap / Fmt call, deepest
	// frame first.
	CallStack []StackFrame
	// Message is an optional additional message, e.g. from Wrapf.
	Message string
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
		sb.WriteString("; ")
	}
	sb.WriteString(e.Wrapped.Error())
	if len(e.CallStack) > 0 {
		sb.WriteString(" At")
		for _, frame := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(frame.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is / errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

// callStack returns the call stack of the caller, skipping the given number of
// frames and limiting the depth.
func callStack(skip, depth int) []StackFrame {
	stack := make([]StackFrame, 0, depth)
	for i := 0; i < depth; i++ {
		_, file, line, ok := runtime.Caller(skip + i)
		if !ok {
			break
		}
		// Keep only the last two path elements; full paths are noise.
		split := strings.Split(file, "/")
		if len(split) > 2 {
			file = strings.Join(split[len(split)-2:], "/")
		}
		stack = append(stack, StackFrame{File: file, Line: line})
	}
	return stack
}

const stackDepth = 5

// Wrap adds stack context to an error. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2, stackDepth),
	}
}

// Wrapf adds a message and stack context to an error. The message should
// describe what the caller was doing, e.g.
// skerr.Wrapf(err, "listing open MRs for %s", project). Returns nil if err is
// nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2, stackDepth),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Fmt creates a new error with stack context, like fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: callStack(2, stackDepth),
	}
}

// Unwrap returns the innermost non-ErrorWithContext error, for comparing
// against sentinel values. Prefer errors.Is where possible.
func Unwrap(err error) error {
	for {
		ewc, ok := err.(*ErrorWithContext)
		if !ok {
			return err
		}
		err = ewc.Wrapped
	}
}
