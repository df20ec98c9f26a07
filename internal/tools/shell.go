package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/haasonsaas/spectator/internal/sandbox"
)

// ErrCommandTimeout reports a shell.exec run that exceeded its time
// budget.
var ErrCommandTimeout = errors.New("command timed out")

// shellExecHandler returns the shell.exec handler:
// {cmd, timeout_s=20} -> {returncode, stdout, stderr}. The command is
// validated into an argv and run with no shell in between, with the
// sandbox root as working directory. A nonzero exit is a successful
// result carrying the returncode, not an error.
func shellExecHandler(root string) Handler {
	return func(ctx context.Context, args map[string]any, tc *Context) (map[string]any, error) {
		cmd, err := requiredString(args, "cmd")
		if err != nil {
			return nil, err
		}
		fallback := 20.0
		if tc != nil && tc.Settings.ShellTimeout > 0 {
			fallback = tc.Settings.ShellTimeout.Seconds()
		}
		timeoutS, tErr := numberArg(args, "timeout_s", fallback)
		if tErr != nil || timeoutS <= 0 {
			return nil, errors.New("timeout_s must be positive")
		}

		argv, err := sandbox.ValidateShellCommand(cmd)
		if err != nil {
			return nil, err
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS*float64(time.Second)))
		defer cancel()

		var stdout, stderr bytes.Buffer
		proc := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		proc.Dir = root
		proc.Stdout = &stdout
		proc.Stderr = &stderr

		runErr := proc.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, ErrCommandTimeout
		}
		returncode := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return nil, runErr
			}
			returncode = exitErr.ExitCode()
		}

		maxChars := 20000
		if tc != nil && tc.Settings.MaxOutputChars > 0 {
			maxChars = tc.Settings.MaxOutputChars
		}
		return map[string]any{
			"returncode": returncode,
			"stdout":     capRunes(stdout.String(), maxChars),
			"stderr":     capRunes(stderr.String(), maxChars),
		}, nil
	}
}

func capRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
