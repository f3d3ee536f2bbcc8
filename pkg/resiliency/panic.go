/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// Logs a panic value and associated call stack and returns it as an error.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr := toError(panicVal)
	var permanent *backoff.PermanentError
	if !errors.As(panicErr, &permanent) {
		panicErr = Permanent(panicErr)
	}

	log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", string(debug.Stack()))

	return panicErr
}

// Recovers from a panic in a callback and logs it, so that one misbehaving handler cannot take down its caller.
// Must be invoked directly by defer:
//
//	defer resiliency.LogPanic(log, "Event handler panicked", "eventType", t)
func LogPanic(log logr.Logger, msg string, keysAndValues ...any) {
	panicVal := recover()
	if panicVal == nil {
		return
	}

	log.Error(toError(panicVal), msg, append(keysAndValues, "stack", string(debug.Stack()))...)
}

func toError(panicVal any) error {
	if panicErr, isError := panicVal.(error); isError {
		return panicErr
	}
	return fmt.Errorf("%v", panicVal)
}
