// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package errdefs defines the stable error taxonomy surfaced by the sandboxd
// API. Codes are the contract; the HTTP status is only the carrier.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. Codes are stable across releases.
type Code string

// Filesystem errors.
const (
	FileNotFound     Code = "FILE_NOT_FOUND"
	PermissionDenied Code = "PERMISSION_DENIED"
	FileExists       Code = "FILE_EXISTS"
	IsDirectory      Code = "IS_DIRECTORY"
	NotDirectory     Code = "NOT_DIRECTORY"
	NoSpace          Code = "NO_SPACE"
	FilesystemError  Code = "FILESYSTEM_ERROR"
)

// Command and session errors.
const (
	CommandNotFound             Code = "COMMAND_NOT_FOUND"
	CommandExecutionError       Code = "COMMAND_EXECUTION_ERROR"
	CommandTimeout              Code = "COMMAND_TIMEOUT"
	ShellSpawnFailed            Code = "SHELL_SPAWN_FAILED"
	ShellNotAlive               Code = "SHELL_NOT_ALIVE"
	ShellTerminatedUnexpectedly Code = "SHELL_TERMINATED_UNEXPECTEDLY"
	SessionTerminated           Code = "SESSION_TERMINATED"
	IPCReadError                Code = "IPC_READ_ERROR"
)

// Background process errors.
const (
	ProcessNotFound    Code = "PROCESS_NOT_FOUND"
	ProcessIDInUse     Code = "PROCESS_ID_IN_USE"
	ProcessSpawnFailed Code = "PROCESS_SPAWN_FAILED"
	ProcessError       Code = "PROCESS_ERROR"
)

// Port errors.
const (
	PortAlreadyExposed   Code = "PORT_ALREADY_EXPOSED"
	PortNotExposed       Code = "PORT_NOT_EXPOSED"
	InvalidPort          Code = "INVALID_PORT"
	PortReserved         Code = "PORT_RESERVED"
	ServiceNotResponding Code = "SERVICE_NOT_RESPONDING"
	PortInUse            Code = "PORT_IN_USE"
	CustomDomainRequired Code = "CUSTOM_DOMAIN_REQUIRED"
)

// Git errors.
const (
	GitRepositoryNotFound Code = "GIT_REPOSITORY_NOT_FOUND"
	GitAuthFailed         Code = "GIT_AUTH_FAILED"
	GitBranchNotFound     Code = "GIT_BRANCH_NOT_FOUND"
	GitNetworkError       Code = "GIT_NETWORK_ERROR"
	GitCloneFailed        Code = "GIT_CLONE_FAILED"
	GitCheckoutFailed     Code = "GIT_CHECKOUT_FAILED"
	InvalidGitURL         Code = "INVALID_GIT_URL"
)

// Interpreter errors.
const (
	InvalidLanguage     Code = "INVALID_LANGUAGE"
	ContextNotFound     Code = "CONTEXT_NOT_FOUND"
	InterpreterNotReady Code = "INTERPRETER_NOT_READY"
	CodeExecutionError  Code = "CODE_EXECUTION_ERROR"
	InvalidJSONResponse Code = "INVALID_JSON_RESPONSE"
)

// Container lifecycle errors.
const (
	ContainerNotReady  Code = "CONTAINER_NOT_READY"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// Generic errors.
const (
	InvalidRequest Code = "INVALID_REQUEST"
	InternalError  Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	FileNotFound:     http.StatusNotFound,
	PermissionDenied: http.StatusForbidden,
	FileExists:       http.StatusConflict,
	IsDirectory:      http.StatusBadRequest,
	NotDirectory:     http.StatusBadRequest,
	NoSpace:          http.StatusInsufficientStorage,
	FilesystemError:  http.StatusInternalServerError,

	CommandNotFound:             http.StatusNotFound,
	CommandExecutionError:       http.StatusBadRequest,
	CommandTimeout:              http.StatusGatewayTimeout,
	ShellSpawnFailed:            http.StatusInternalServerError,
	ShellNotAlive:               http.StatusInternalServerError,
	ShellTerminatedUnexpectedly: http.StatusInternalServerError,
	SessionTerminated:           http.StatusGone,
	IPCReadError:                http.StatusInternalServerError,

	ProcessNotFound:    http.StatusNotFound,
	ProcessIDInUse:     http.StatusConflict,
	ProcessSpawnFailed: http.StatusInternalServerError,
	ProcessError:       http.StatusInternalServerError,

	PortAlreadyExposed:   http.StatusConflict,
	PortNotExposed:       http.StatusNotFound,
	InvalidPort:          http.StatusBadRequest,
	PortReserved:         http.StatusBadRequest,
	ServiceNotResponding: http.StatusServiceUnavailable,
	PortInUse:            http.StatusConflict,
	CustomDomainRequired: http.StatusBadRequest,

	GitRepositoryNotFound: http.StatusNotFound,
	GitAuthFailed:         http.StatusUnauthorized,
	GitBranchNotFound:     http.StatusNotFound,
	GitNetworkError:       http.StatusBadGateway,
	GitCloneFailed:        http.StatusInternalServerError,
	GitCheckoutFailed:     http.StatusInternalServerError,
	InvalidGitURL:         http.StatusBadRequest,

	InvalidLanguage:     http.StatusBadRequest,
	ContextNotFound:     http.StatusNotFound,
	InterpreterNotReady: http.StatusServiceUnavailable,
	CodeExecutionError:  http.StatusOK,
	InvalidJSONResponse: http.StatusInternalServerError,

	ContainerNotReady:  http.StatusServiceUnavailable,
	ServiceUnavailable: http.StatusServiceUnavailable,

	InvalidRequest: http.StatusBadRequest,
	InternalError:  http.StatusInternalServerError,
}

var retryable = map[Code]bool{
	InterpreterNotReady: true,
	ContainerNotReady:   true,
	ServiceUnavailable:  true,
}

// HTTPStatus returns the HTTP status carrying the given code. Unknown codes
// map to 500.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may retry an operation failing with c.
func (c Code) Retryable() bool {
	return retryable[c]
}

// Error is the API-visible failure type. It wraps an optional cause and
// carries structured details the client can extract.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code and message, retaining err as the
// cause for errors.Is/As chains.
func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a structured detail to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the taxonomy code from err. Errors outside the taxonomy
// report InternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// AsError returns the taxonomy error within err, or wraps err as an
// InternalError when it carries none.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: InternalError, Message: err.Error(), cause: err}
}

// Is implements errors.Is matching on the code so that sentinel comparisons
// like errors.Is(err, errdefs.New(errdefs.ProcessNotFound, "")) work across
// wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}
