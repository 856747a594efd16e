//go:build !windows

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/fab/internal/task"
)

func shAgent(script string) *CommandAgent {
	return NewCommandAgent("sh", "-c", script)
}

func TestCommandAgentSuccess(t *testing.T) {
	// Echo back a field from the input to prove stdin plumbing works.
	a := shAgent(`feature=$(cat | sed -n 's/.*"feature":"\([^"]*\)".*/\1/p'); printf '{"status":"success","data":{"feature":"%s"}}' "$feature"`)

	in := Input{
		TaskID:  "t1",
		Phase:   task.PhaseCodeImpl,
		Payload: json.RawMessage(`{"feature":"login"}`),
	}
	res, err := a.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Status != task.ResultSuccess {
		t.Fatalf("Status = %v, Error = %q", res.Status, res.Error)
	}
	if res.Data["feature"] != "login" {
		t.Errorf("Data = %v, want feature=login", res.Data)
	}
}

func TestCommandAgentFailureResult(t *testing.T) {
	a := shAgent(`cat >/dev/null; printf '{"status":"failure","error":"tests are red"}'`)

	res, err := a.Execute(context.Background(), Input{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Status != task.ResultFailure || res.Error != "tests are red" {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandAgentNonZeroExit(t *testing.T) {
	a := shAgent(`cat >/dev/null; echo "boom" >&2; exit 3`)

	res, err := a.Execute(context.Background(), Input{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Status != task.ResultFailure {
		t.Fatalf("Status = %v, want failure", res.Status)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Error = %q, want stderr tail included", res.Error)
	}
}

func TestCommandAgentUndecodableOutput(t *testing.T) {
	a := shAgent(`cat >/dev/null; echo "not json"`)

	res, err := a.Execute(context.Background(), Input{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Status != task.ResultFailure {
		t.Errorf("Status = %v, want failure", res.Status)
	}
}

func TestCommandAgentUnknownStatus(t *testing.T) {
	a := shAgent(`cat >/dev/null; printf '{"status":"maybe"}'`)

	res, err := a.Execute(context.Background(), Input{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Status != task.ResultFailure || !strings.Contains(res.Error, "maybe") {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandAgentTimeout(t *testing.T) {
	a := shAgent(`cat >/dev/null; sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Execute(ctx, Input{TaskID: "t1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute took %v, want prompt return after deadline", elapsed)
	}
}

func TestCommandAgentEmptyArgv(t *testing.T) {
	a := &CommandAgent{}
	if _, err := a.Execute(context.Background(), Input{TaskID: "t1"}); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestSetProcAttrSetsProcessGroup(t *testing.T) {
	cmd := exec.Command("echo", "test")
	if cmd.SysProcAttr != nil {
		t.Error("SysProcAttr set before setProcAttr")
	}
	setProcAttr(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid not set")
	}
}

func TestKillProcessGroupBadPID(t *testing.T) {
	if err := killProcessGroup(0); err != nil {
		t.Errorf("pid 0: %v", err)
	}
	if err := killProcessGroup(-1); err != nil {
		t.Errorf("pid -1: %v", err)
	}
}

func TestBoundedBuffer(t *testing.T) {
	var b boundedBuffer
	big := make([]byte, maxCaptureBytes+100)
	n, err := b.Write(big)
	if err != nil || n != len(big) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if len(b.Bytes()) != maxCaptureBytes {
		t.Errorf("captured %d bytes, want cap %d", len(b.Bytes()), maxCaptureBytes)
	}
	// Further writes report success without growing the capture
	n, err = b.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("Write after cap = %d, %v", n, err)
	}
	if len(b.Bytes()) != maxCaptureBytes {
		t.Errorf("capture grew past cap")
	}
}
