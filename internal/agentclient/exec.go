package agentclient

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/basket/go-claw/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellOutput      = 8 * 1024 // 8KB
)

// ShellExecutor runs a shell_commands task's "command" payload field and
// captures its outcome, grounded on the coordinator's own HostExecutor.
type ShellExecutor struct{}

// Exec runs cmd under "sh -c", truncating and redacting its captured
// stdout/stderr. A non-zero exit is reported via exitCode, not err; err is
// reserved for the command never having run (not found, killed, timed out).
func (ShellExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	execCtx, cancel := context.WithTimeout(ctx, defaultShellTimeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, "sh", "-c", cmd)
	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	switch {
	case runErr == nil:
		exitCode = 0
	case execCtx.Err() == context.DeadlineExceeded:
		return "", "command timed out", -1, nil
	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", -1, runErr
		}
	}

	return shared.Redact(truncate(outBuf.String())), shared.Redact(truncate(errBuf.String())), exitCode, nil
}

func truncate(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n... (truncated)"
}
