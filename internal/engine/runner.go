package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
)

// Runner executes one external process to completion and returns its
// combined stdout and stderr. It lets tests script engine output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs processes with os/exec. Cancelling ctx kills the process.
type ExecRunner struct{}

// Run executes name with args and forwards every output line to the debug
// log as it arrives.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	out := &lineWriter{prefix: subcommandOf(args)}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.flush()
	return out.Bytes(), err
}

// lineWriter buffers process output and logs it line by line. Stdout and
// stderr share one writer, so writes are serialized.
type lineWriter struct {
	mu      sync.Mutex
	prefix  string
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.log(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.log(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) log(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text != "" {
		logger.Debug(text, "engine", w.prefix)
	}
}

func (w *lineWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Bytes()
}

func subcommandOf(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
