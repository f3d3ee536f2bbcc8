package commands

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/ai-debugger-inc/aidb/pkg/logger"
	"github.com/ai-debugger-inc/aidb/pkg/osutil"
)

// ErrorExit reports a command error on stderr, flushes the log and terminates the process.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.Error(err, "Command failed", "exitCode", exitCode)
	_, _ = os.Stderr.Write(osutil.WithNewline([]byte(err.Error())))
	log.Flush()
	os.Exit(exitCode)
}

// jsonLineWriter writes values as single-line JSON documents. It is safe for concurrent use.
type jsonLineWriter struct {
	lock sync.Mutex
	out  io.Writer
}

func newJSONLineWriter(out io.Writer) *jsonLineWriter {
	return &jsonLineWriter{out: out}
}

func (w *jsonLineWriter) Write(v any) error {
	b, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return marshalErr
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	_, writeErr := w.out.Write(osutil.WithNewline(b))
	return writeErr
}
