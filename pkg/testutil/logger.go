// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"flag"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"go.uber.org/zap/zapcore"

	"github.com/ai-debugger-inc/aidb/pkg/logger"
)

func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(zapcore.ErrorLevel)
	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() {
		log.SetLevel(zapcore.DebugLevel)
	}
	retval := log.Logger.WithValues("test", true)
	return retval
}

// LogRecorder keeps every line written to a logger created by NewRecordingLog.
// All methods are goroutine-safe.
type LogRecorder struct {
	lock  sync.Mutex
	lines []string
}

// NewRecordingLog returns a logger that records everything logged to it, including V(1) and V(2) messages.
func NewRecordingLog() (logr.Logger, *LogRecorder) {
	rec := &LogRecorder{}
	log := funcr.New(func(prefix, args string) {
		rec.lock.Lock()
		defer rec.lock.Unlock()
		rec.lines = append(rec.lines, fmt.Sprintf("%s %s", prefix, args))
	}, funcr.Options{Verbosity: 2})
	return log, rec
}

func (r *LogRecorder) Lines() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.lines)
}

// Contains returns true if any recorded line contains the given text.
func (r *LogRecorder) Contains(text string) bool {
	return slices.ContainsFunc(r.Lines(), func(line string) bool {
		return strings.Contains(line, text)
	})
}
