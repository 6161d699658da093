// Package status holds the closed set of outcomes a vdiskctl operation can
// end in, and the mapping from raw driver status codes onto that set.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is the outcome of an operation. Its integer value is the process
// exit code.
type Code int

const (
	Success             Code = 0
	DeviceNotFound      Code = 1
	DeviceInaccessible  Code = 2
	CreateDevice        Code = 3
	DriverNotInstalled  Code = 4
	DriverWrongVersion  Code = 5
	DriverInaccessible  Code = 6
	ServiceInaccessible Code = 7
	Format              Code = 8
	BadMountPoint       Code = 9
	BadSyntax           Code = 10
	NotEnoughMemory     Code = 11
	PartitionNotFound   Code = 12
	WrongSyntax         Code = 13
	NoFreeDriveLetters  Code = 14
	Fatal               Code = -1
)

var codeNames = map[Code]string{
	Success:             "Success",
	DeviceNotFound:      "DeviceNotFound",
	DeviceInaccessible:  "DeviceInaccessible",
	CreateDevice:        "CreateDevice",
	DriverNotInstalled:  "DriverNotInstalled",
	DriverWrongVersion:  "DriverWrongVersion",
	DriverInaccessible:  "DriverInaccessible",
	ServiceInaccessible: "ServiceInaccessible",
	Format:              "Format",
	BadMountPoint:       "BadMountPoint",
	BadSyntax:           "BadSyntax",
	NotEnoughMemory:     "NotEnoughMemory",
	PartitionNotFound:   "PartitionNotFound",
	WrongSyntax:         "WrongSyntax",
	NoFreeDriveLetters:  "NoFreeDriveLetters",
	Fatal:               "Fatal",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// ExitCode returns the value handed to os.Exit.
func (c Code) ExitCode() int {
	return int(c)
}

// Valid reports whether c belongs to the closed taxonomy.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// Result is what every orchestrated operation produces.
type Result struct {
	Code    Code   `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

func (r Result) OK() bool {
	return r.Code == Success
}

// Err returns nil for a successful result and an *Error otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Error is a failure already classified into the taxonomy.
type Error struct {
	Code    Code
	Message string
	Err     error

	// Transient marks contention that may clear on its own, such as a
	// sharing violation on an exclusive open.
	Transient bool
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result converts the error into the reportable form.
func (e *Error) Result() Result {
	return Result{Code: e.Code, Message: e.Error()}
}

// CodeOf classifies any error. Errors that were never classified are
// unexpected and therefore Fatal, except for deadlines, which mean the
// driver did not answer in time.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DriverInaccessible
	}
	return Fatal
}

// ResultOf turns err into a Result; okMessage is used when err is nil.
func ResultOf(err error, okMessage string) Result {
	if err == nil {
		return Result{Code: Success, Message: okMessage}
	}
	var se *Error
	if errors.As(err, &se) {
		return Result{Code: se.Code, Message: err.Error()}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Code: DriverInaccessible, Message: "driver did not respond in time"}
	case errors.Is(err, context.Canceled):
		return Result{Code: Fatal, Message: "operation interrupted"}
	}
	return Result{Code: Fatal, Message: err.Error()}
}

// IsTransient reports whether err is classified contention that the retry
// policy may attempt again.
func IsTransient(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Transient && se.Code == DeviceInaccessible
}
