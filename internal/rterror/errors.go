// Package rterror implements the plugin host's typed error taxonomy.
//
// Every fallible runtime operation returns a *RuntimeError instead of an
// opaque error, so the registry can pattern-match on Code when deciding
// lifecycle transitions (Failed vs. Cancelled) and the diagnostics HTTP
// surface can map a Code to an HTTP status without string-sniffing.
package rterror

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable runtime error identifier.
type Code string

const (
	InvalidConfig       Code = "INVALID_CONFIG"
	SpawnFailed         Code = "SPAWN_FAILED"
	TransportIo         Code = "TRANSPORT_IO"
	HandshakeRejected   Code = "HANDSHAKE_REJECTED"
	ProtocolMismatch    Code = "PROTOCOL_MISMATCH"
	CapabilityViolation Code = "CAPABILITY_VIOLATION"
	ProtocolViolation   Code = "PROTOCOL_VIOLATION"
	ActivationRejected  Code = "ACTIVATION_REJECTED"
	AlreadyRegistered   Code = "ALREADY_REGISTERED"
)

// RuntimeError is the sum-type error value every fallible runtime operation
// returns. It carries a taxonomy code plus a free-form detail string.
type RuntimeError struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// New constructs a RuntimeError with the given code and detail.
func New(code Code, detail string) *RuntimeError {
	return &RuntimeError{Code: code, Detail: detail}
}

// Wrap constructs a RuntimeError from an existing error, preserving its
// message as the detail.
func Wrap(code Code, err error) *RuntimeError {
	if err == nil {
		return &RuntimeError{Code: code}
	}
	return &RuntimeError{Code: code, Detail: err.Error()}
}

// Is reports whether err is a *RuntimeError with the given code.
func Is(err error, code Code) bool {
	rte, ok := err.(*RuntimeError)
	return ok && rte.Code == code
}

// HTTPStatus maps a RuntimeError code to the HTTP status the diagnostics
// surface should respond with when an operation fails for this reason.
func (e *RuntimeError) HTTPStatus() int {
	switch e.Code {
	case InvalidConfig:
		return http.StatusBadRequest
	case SpawnFailed, TransportIo:
		return http.StatusBadGateway
	case HandshakeRejected, ProtocolMismatch, ProtocolViolation:
		return http.StatusUnprocessableEntity
	case CapabilityViolation:
		return http.StatusForbidden
	case ActivationRejected, AlreadyRegistered:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON shape returned by the diagnostics HTTP surface
// for a failed operation.
type ErrorResponse struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ToResponse converts a RuntimeError to its JSON response shape.
func (e *RuntimeError) ToResponse() ErrorResponse {
	return ErrorResponse{Code: e.Code, Detail: e.Detail}
}
