package exec

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeResult is the scripted answer of FakeExecutor for one command name
type FakeResult struct {
	Output string
	Code   int
}

// FakeExitError carries a scripted exit status
type FakeExitError struct {
	Code int
}

func (e *FakeExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *FakeExitError) ExitCode() int {
	return e.Code
}

// FakeExecutor records every command line and answers from Results, keyed by command name.
// Unknown commands succeed with empty output. Hook, when set, runs before the answer is returned.
type FakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	stdins  []string
	Results map[string]FakeResult
	Hook    func(command string, arg ...string)
}

var _ Executor = &FakeExecutor{}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{Results: map[string]FakeResult{}}
}

func (f *FakeExecutor) run(stdin string, command string, arg ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.TrimSpace(command+" "+strings.Join(arg, " ")))
	f.stdins = append(f.stdins, stdin)
	result, ok := f.Results[command]
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(command, arg...)
	}
	if !ok || result.Code == 0 {
		return result.Output, nil
	}
	return result.Output, &FakeExitError{Code: result.Code}
}

// Calls returns the recorded command lines in invocation order
func (f *FakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsOf returns the recorded command lines that ran command
func (f *FakeExecutor) CallsOf(command string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c == command || strings.HasPrefix(c, command+" ") {
			out = append(out, c)
		}
	}
	return out
}

// Stdins returns what was written to stdin, aligned with Calls
func (f *FakeExecutor) Stdins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stdins...)
}

func (f *FakeExecutor) ExecuteCommandWithOutput(command string, arg ...string) (string, error) {
	return f.run("", command, arg...)
}

func (f *FakeExecutor) ExecuteCommandWithTimeout(_ time.Duration, command string, arg ...string) (string, error) {
	return f.run("", command, arg...)
}

func (f *FakeExecutor) ExecuteCommandWithStdin(_ time.Duration, stdin string, command string, arg ...string) (string, error) {
	return f.run(stdin, command, arg...)
}
