// Package enginetest provides a scripted engine.Runner for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/abdul-hamid-achik/sfmimport/internal/engine"
)

// Call is one recorded engine invocation.
type Call struct {
	Name string
	Args []string
}

// Subcommand returns the engine subcommand of the call.
func (c Call) Subcommand() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Flag returns the value following flag, or "" when the flag is absent.
func (c Call) Flag(flag string) string {
	for i := 1; i+1 < len(c.Args); i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// HandlerFunc scripts the outcome of one subcommand.
type HandlerFunc func(ctx context.Context, call Call) ([]byte, error)

// FakeRunner implements engine.Runner. Subcommands without a handler
// succeed with no output.
type FakeRunner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]HandlerFunc
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]HandlerFunc)}
}

// Handle sets the handler for subcommand.
func (f *FakeRunner) Handle(subcommand string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subcommand] = fn
}

// Run records the call and dispatches it to its handler.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.handlers[call.Subcommand()]
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, call)
}

// Calls returns every recorded call in order.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Subcommands returns the subcommand of every recorded call in order.
func (f *FakeRunner) Subcommands() []string {
	calls := f.Calls()
	subs := make([]string, len(calls))
	for i, c := range calls {
		subs[i] = c.Subcommand()
	}
	return subs
}

var _ engine.Runner = (*FakeRunner)(nil)
