/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-logr/logr"
)

var (
	// ErrNotConnected is the cause of a ConnectionError raised when the transport has no live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrTransportClosed is returned to callers waiting for a response when the connection goes away.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrMalformedFrame is reported for a complete frame whose body is not a UTF-8 JSON object.
	ErrMalformedFrame = errors.New("malformed DAP frame")

	// ErrNoEventsAPI is returned when neither a live client nor a buffering stub can serve event subscriptions.
	ErrNoEventsAPI = errors.New("no event API available")

	// ErrSessionNotFound is returned when a session id cannot be resolved.
	ErrSessionNotFound = errors.New("debug session not found")

	// ErrSessionAlreadyExists is returned when registering a session id twice.
	ErrSessionAlreadyExists = errors.New("debug session already exists")

	// ErrInboxClosed is returned when a synthetic event is pushed to a closed session.
	ErrInboxClosed = errors.New("synthetic event inbox is closed")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown subscription id.
	ErrSubscriptionNotFound = errors.New("event subscription not found")
)

// ConnectionError reports any failure to establish, use, or maintain a connection to a debug adapter.
type ConnectionError struct {
	Message string
	Host    string
	Port    int

	// IsChild is set when the failing connection belongs to a child debug session.
	IsChild bool

	Cause error
}

func newConnectionError(message string, host string, port int, cause error) *ConnectionError {
	return &ConnectionError{
		Message: message,
		Host:    host,
		Port:    port,
		Cause:   cause,
	}
}

// Address returns the host:port the error refers to, or an empty string if unknown.
func (e *ConnectionError) Address() string {
	if e.Host == "" && e.Port == 0 {
		return ""
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e *ConnectionError) Error() string {
	msg := e.Message
	if addr := e.Address(); addr != "" {
		msg = fmt.Sprintf("%s (%s)", msg, addr)
	}
	if e.IsChild {
		msg = "child session: " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// SessionLostReason tells why no DAP client could be resolved for a session.
type SessionLostReason int

const (
	// SessionLostNoClient means the session has no client of its own and no parent to borrow one from.
	SessionLostNoClient SessionLostReason = iota

	// SessionLostParentHasNoClient means a child session's parent is missing or has no client either.
	SessionLostParentHasNoClient
)

func (r SessionLostReason) String() string {
	switch r {
	case SessionLostNoClient:
		return "no client"
	case SessionLostParentHasNoClient:
		return "parent has no client"
	default:
		return "unknown"
	}
}

// SessionLostError is returned when a caller asks for a DAP client but none can be resolved.
type SessionLostError struct {
	SessionID       string
	ParentSessionID string
	Reason          SessionLostReason
}

func (e *SessionLostError) Error() string {
	switch e.Reason {
	case SessionLostParentHasNoClient:
		return fmt.Sprintf("session %s lost: child session's parent %s has no DAP client", e.SessionID, e.ParentSessionID)
	default:
		return fmt.Sprintf("session %s lost: no DAP client available", e.SessionID)
	}
}

// IsConnectionError returns true if the error chain contains a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsSessionLostError returns true if the error chain contains a SessionLostError.
func IsSessionLostError(err error) bool {
	var lostErr *SessionLostError
	return errors.As(err, &lostErr)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// Otherwise, the original error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	return err
}
