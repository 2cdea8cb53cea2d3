package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CollectorRunner invokes one external collector process. The error carries
// the exit status and a tail of captured output when the process fails.
type CollectorRunner interface {
	Run(ctx context.Context, command string, args []string) error
}

// ExecRunner shells out to the collector binary. Collectors inherit the
// daemon's environment; stdout and stderr are captured, not streamed.
type ExecRunner struct{}

const outputTail = 2048

func (ExecRunner) Run(ctx context.Context, command string, args []string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("collector %s: %w", command, ctxErr)
	}
	text := strings.TrimSpace(out.String())
	if len(text) > outputTail {
		text = text[len(text)-outputTail:]
	}
	if text == "" {
		return fmt.Errorf("collector %s: %w", command, err)
	}
	return fmt.Errorf("collector %s: %w: %s", command, err, text)
}

// FakeRunner scripts collector outcomes for tests. Calls are recorded in
// invocation order.
type FakeRunner struct {
	mu    sync.Mutex
	fail  map[string]error
	calls [][]string
	block chan struct{}
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{fail: make(map[string]error)}
}

// FailOn makes any invocation whose args contain marker return err.
func (f *FakeRunner) FailOn(marker string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[marker] = err
}

// BlockUntil makes every run wait on ch before returning, for concurrency
// assertions.
func (f *FakeRunner) BlockUntil(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *FakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeRunner) Run(ctx context.Context, command string, args []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{command}, args...))
	block := f.block
	var failure error
	for marker, err := range f.fail {
		for _, a := range args {
			if strings.Contains(a, marker) {
				failure = err
			}
		}
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	return ctx.Err()
}
