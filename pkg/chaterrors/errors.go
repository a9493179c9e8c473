// Package chaterrors defines the error kinds surfaced by the chat sync client.
//
// Callers distinguish kinds with errors.As or the Is* helpers; wrapped errors
// (github.com/pkg/errors) keep the kind discoverable.
package chaterrors

import (
	"errors"
	"fmt"
)

// NetworkError is a transport-level failure reaching the server.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: network error", e.Op)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-success response from the server.
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.Status, e.Body)
}

// ValidationError rejects input before anything is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SendError is a live-channel send attempted while the channel cannot deliver.
type SendError struct {
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return "live channel send failed: " + e.Reason
	}
	return fmt.Sprintf("live channel send failed: %s: %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsServer(err error) bool {
	var target *ServerError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsSend(err error) bool {
	var target *SendError
	return errors.As(err, &target)
}
