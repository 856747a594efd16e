package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/task"
)

// maxCaptureBytes bounds how much agent output is buffered. Result JSON is
// expected to be small; anything past the cap is dropped, not buffered.
const maxCaptureBytes = 1 << 20

// CommandAgent runs a phase by spawning a configured command. The Input is
// written to the child's stdin as JSON and the Result is read from its
// stdout as JSON. The child runs in its own process group so a timeout or
// cancellation kills everything it spawned.
type CommandAgent struct {
	// Argv is the command and its arguments.
	Argv []string

	// Dir is the working directory. Empty inherits the daemon's.
	Dir string

	// Env entries are appended to the daemon's environment.
	Env []string
}

// NewCommandAgent creates a command agent for the given argv.
func NewCommandAgent(argv ...string) *CommandAgent {
	return &CommandAgent{Argv: argv}
}

// Execute spawns the command and decodes its stdout. A non-zero exit or
// undecodable output is a failure result, not an error; errors are reserved
// for invocation mechanics (bad config, context expiry).
func (a *CommandAgent) Execute(ctx context.Context, in Input) (Result, error) {
	if len(a.Argv) == 0 {
		return Result{}, faberrors.ErrConfigInvalid("agents", "command agent has empty argv")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("encode agent input: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Argv[0], a.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr boundedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if a.Dir != "" {
		cmd.Dir = a.Dir
	}
	if len(a.Env) > 0 {
		cmd.Env = append(os.Environ(), a.Env...)
	}
	setProcAttr(cmd) // Enable process group for child process cleanup

	runErr := cmd.Run()

	if ctx.Err() != nil {
		// The direct child is already dead; reap anything it spawned
		// (test runners, browsers, language servers).
		if cmd.Process != nil {
			_ = killProcessGroup(cmd.Process.Pid)
		}
		return Result{}, ctx.Err()
	}

	if runErr != nil {
		msg := fmt.Sprintf("agent exited: %v", runErr)
		if tail := stderr.Tail(512); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return Result{Status: task.ResultFailure, Error: msg}, nil
	}

	var res Result
	out := bytes.TrimSpace(stdout.Bytes())
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{Status: task.ResultFailure, Error: fmt.Sprintf("agent output is not a result document: %v", err)}, nil
	}
	if res.Status != task.ResultSuccess && res.Status != task.ResultFailure {
		return Result{Status: task.ResultFailure, Error: fmt.Sprintf("agent reported unknown status %q", res.Status)}, nil
	}
	return res, nil
}

// boundedBuffer keeps the first maxCaptureBytes written and drops the rest.
// Write never errors so the child never sees a broken pipe.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if rem := maxCaptureBytes - b.buf.Len(); rem > 0 {
		if len(p) > rem {
			p = p[:rem]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Tail returns up to the last n bytes of the capture, trimmed.
func (b *boundedBuffer) Tail(n int) string {
	s := b.buf.Bytes()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return strings.TrimSpace(string(s))
}
