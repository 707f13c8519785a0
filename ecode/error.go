package ecode

import (
	"errors"
	"fmt"
)

// Code - Machine readable error code reported alongside every error kind
type Code int

const (
	Success      Code = 0
	CodeCorrupt  Code = -1
	CodeIO       Code = -2
	CodeLock     Code = -3
	CodeOOM      Code = -4
	CodeExists   Code = -5
	CodeNoExist  Code = -6
	CodeInvalid  Code = -7
	CodeReadOnly Code = -8
	CodeNesting  Code = -9
	CodeTimeout  Code = -10
	codeSentinel Code = -11
)

// Coded - Implemented by all error kinds in this package
type Coded interface {
	error
	Code() Code
}

// CodeOf - Returns the code of the first error kind found in the chain of err.
// A nil error gives Success and an error without any kind gives CodeIO.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}

	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}

	return CodeIO
}

// String - Returns a short name for the code
func (C Code) String() string {
	switch C {
	case Success:
		return "success"
	case CodeCorrupt:
		return "corrupt"
	case CodeIO:
		return "io"
	case CodeLock:
		return "lock"
	case CodeOOM:
		return "out of space"
	case CodeExists:
		return "exists"
	case CodeNoExist:
		return "no exist"
	case CodeInvalid:
		return "invalid"
	case CodeReadOnly:
		return "read only"
	case CodeNesting:
		return "nesting"
	case CodeTimeout:
		return "timeout"
	}
	return fmt.Sprintf("unknown code %d", int(C))
}

// Valid - Returns true if the code is one of the defined codes
func (C Code) Valid() bool {
	return C <= Success && C > codeSentinel
}

// Corrupt - Custom error to inform that a record, the header or a checksum did not validate
type Corrupt struct {
	msg string
}

// Error - Used to notify about corruption
func (E Corrupt) Error() string {
	if E.msg == "" {
		return "database corrupt"
	}
	return E.msg
}

// Is - Matches any Corrupt error
func (E Corrupt) Is(target error) bool {
	_, ok := target.(Corrupt)
	return ok
}

// Code - Returns CodeCorrupt
func (E Corrupt) Code() Code { return CodeCorrupt }

// Corruptf - Returns a Corrupt error with a formatted message
func Corruptf(format string, a ...any) error {
	return Corrupt{msg: fmt.Sprintf(format, a...)}
}

// IOError - Custom error to inform that a read, write or file system call failed or went out of bounds
type IOError struct {
	msg string
}

// Error - Used to notify about an io fault
func (E IOError) Error() string {
	if E.msg == "" {
		return "io error"
	}
	return E.msg
}

// Is - Matches any IOError
func (E IOError) Is(target error) bool {
	_, ok := target.(IOError)
	return ok
}

// Code - Returns CodeIO
func (E IOError) Code() Code { return CodeIO }

// IOErrorf - Returns an IOError with a formatted message
func IOErrorf(format string, a ...any) error {
	return IOError{msg: fmt.Sprintf(format, a...)}
}

// LockError - Custom error to inform that a lock could not be taken or was requested out of order
type LockError struct {
	msg string
}

// Error - Used to notify about a lock fault
func (E LockError) Error() string {
	if E.msg == "" {
		return "locking error"
	}
	return E.msg
}

// Is - Matches any LockError
func (E LockError) Is(target error) bool {
	_, ok := target.(LockError)
	return ok
}

// Code - Returns CodeLock
func (E LockError) Code() Code { return CodeLock }

// LockErrorf - Returns a LockError with a formatted message
func LockErrorf(format string, a ...any) error {
	return LockError{msg: fmt.Sprintf(format, a...)}
}

// OutOfSpace - Custom error to inform that an allocation could not be satisfied even after expanding
type OutOfSpace struct {
	msg string
}

// Error - Used to notify about resource exhaustion
func (E OutOfSpace) Error() string {
	if E.msg == "" {
		return "out of space"
	}
	return E.msg
}

// Is - Matches any OutOfSpace error
func (E OutOfSpace) Is(target error) bool {
	_, ok := target.(OutOfSpace)
	return ok
}

// Code - Returns CodeOOM
func (E OutOfSpace) Code() Code { return CodeOOM }

// OutOfSpacef - Returns an OutOfSpace error with a formatted message
func OutOfSpacef(format string, a ...any) error {
	return OutOfSpace{msg: fmt.Sprintf(format, a...)}
}

// Exists - Custom error to inform that an insert found the key already stored
type Exists struct {
	msg string
}

// Error - Used to notify that the record exists
func (E Exists) Error() string {
	if E.msg == "" {
		return "record exists"
	}
	return E.msg
}

// Is - Matches any Exists error
func (E Exists) Is(target error) bool {
	_, ok := target.(Exists)
	return ok
}

// Code - Returns CodeExists
func (E Exists) Code() Code { return CodeExists }

// NoExist - Custom error to inform that no record was found
type NoExist struct {
	msg string
}

// Error - Used to notify that no record was found
func (E NoExist) Error() string {
	if E.msg == "" {
		return "record does not exist"
	}
	return E.msg
}

// Is - Matches any NoExist error
func (E NoExist) Is(target error) bool {
	_, ok := target.(NoExist)
	return ok
}

// Code - Returns CodeNoExist
func (E NoExist) Code() Code { return CodeNoExist }

// Invalid - Custom error to inform about misuse of the api, such as a closed handle or bad arguments
type Invalid struct {
	msg string
}

// Error - Used to notify about misuse
func (E Invalid) Error() string {
	if E.msg == "" {
		return "invalid parameter"
	}
	return E.msg
}

// Is - Matches any Invalid error
func (E Invalid) Is(target error) bool {
	_, ok := target.(Invalid)
	return ok
}

// Code - Returns CodeInvalid
func (E Invalid) Code() Code { return CodeInvalid }

// Invalidf - Returns an Invalid error with a formatted message
func Invalidf(format string, a ...any) error {
	return Invalid{msg: fmt.Sprintf(format, a...)}
}

// ReadOnly - Custom error to inform that a mutation was attempted on a read only handle
type ReadOnly struct {
	msg string
}

// Error - Used to notify about a write to a read only handle
func (E ReadOnly) Error() string {
	if E.msg == "" {
		return "write to read only database"
	}
	return E.msg
}

// Is - Matches any ReadOnly error
func (E ReadOnly) Is(target error) bool {
	_, ok := target.(ReadOnly)
	return ok
}

// Code - Returns CodeReadOnly
func (E ReadOnly) Code() Code { return CodeReadOnly }

// Nesting - Custom error to inform about transaction misuse (nested start, commit without start)
type Nesting struct {
	msg string
}

// Error - Used to notify about transaction misuse
func (E Nesting) Error() string {
	if E.msg == "" {
		return "transaction nesting error"
	}
	return E.msg
}

// Is - Matches any Nesting error
func (E Nesting) Is(target error) bool {
	_, ok := target.(Nesting)
	return ok
}

// Code - Returns CodeNesting
func (E Nesting) Code() Code { return CodeNesting }

// Nestingf - Returns a Nesting error with a formatted message
func Nestingf(format string, a ...any) error {
	return Nesting{msg: fmt.Sprintf(format, a...)}
}

// Timeout - Custom error to inform that a blocking lock wait was interrupted before the lock was granted
type Timeout struct {
	msg string
}

// Error - Used to notify about an interrupted wait
func (E Timeout) Error() string {
	if E.msg == "" {
		return "lock wait interrupted"
	}
	return E.msg
}

// Is - Matches any Timeout error
func (E Timeout) Is(target error) bool {
	_, ok := target.(Timeout)
	return ok
}

// Code - Returns CodeTimeout
func (E Timeout) Code() Code { return CodeTimeout }

// Timeoutf - Returns a Timeout error with a formatted message
func Timeoutf(format string, a ...any) error {
	return Timeout{msg: fmt.Sprintf(format, a...)}
}

// FromCode - Returns an error of the kind matching code, nil for Success
func FromCode(code Code, msg string) error {
	switch code {
	case Success:
		return nil
	case CodeCorrupt:
		return Corrupt{msg: msg}
	case CodeLock:
		return LockError{msg: msg}
	case CodeOOM:
		return OutOfSpace{msg: msg}
	case CodeExists:
		return Exists{msg: msg}
	case CodeNoExist:
		return NoExist{msg: msg}
	case CodeInvalid:
		return Invalid{msg: msg}
	case CodeReadOnly:
		return ReadOnly{msg: msg}
	case CodeNesting:
		return Nesting{msg: msg}
	case CodeTimeout:
		return Timeout{msg: msg}
	}
	return IOError{msg: msg}
}
