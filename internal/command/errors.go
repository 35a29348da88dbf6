/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package command

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy every mutating command can fail
// with. Callers assert on Kind rather than on error strings.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindBytecodeFetch
	KindBytecodeMetadataMismatch
	KindVerifierOrLoad
	KindAttach
	KindNotFound
	KindInUse
	KindPersistenceIO
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindBytecodeFetch:
		return "BytecodeFetch"
	case KindBytecodeMetadataMismatch:
		return "BytecodeMetadataMismatch"
	case KindVerifierOrLoad:
		return "VerifierOrLoad"
	case KindAttach:
		return "Attach"
	case KindNotFound:
		return "NotFound"
	case KindInUse:
		return "InUse"
	case KindPersistenceIO:
		return "PersistenceIO"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the typed error every Daemon operation returns on failure.
// In the real bpfd, gRPC status codes carry this discriminator; with no
// RPC layer in scope here the Kind field plays that role directly.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return newErr(KindInvalidArgument, format, args...)
}

func BytecodeFetch(err error, format string, args ...interface{}) *Error {
	return wrapErr(KindBytecodeFetch, err, format, args...)
}

func BytecodeMetadataMismatch(imageName, providedName string) *Error {
	return newErr(KindBytecodeMetadataMismatch,
		"image declares name %q but caller provided %q", imageName, providedName)
}

func VerifierOrLoad(diagnostic string) *Error {
	return newErr(KindVerifierOrLoad, "%s", diagnostic)
}

func Attach(err error, format string, args ...interface{}) *Error {
	return wrapErr(KindAttach, err, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(KindNotFound, format, args...)
}

func InUse(format string, args ...interface{}) *Error {
	return newErr(KindInUse, format, args...)
}

func PersistenceIO(err error, format string, args ...interface{}) *Error {
	return wrapErr(KindPersistenceIO, err, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return newErr(KindInternal, format, args...)
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
