// File: internal/token/cli.go
package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cliMaxRetries  = 3
	cliBaseDelay   = time.Second
	cliMaxDelay    = 60 * time.Second
	cliBackoffMult = 2
)

var serviceAccountPattern = regexp.MustCompile(`Service Account:\s*([^\n\r(]+)`)

// transientMarkers flag CLI failures worth retrying.
var transientMarkers = []string{"network", "timeout", "connection", "server error", "503", "502", "500"}

// CLIResult reports the outcome of testing a token against the vendor CLI.
type CLIResult struct {
	Success            bool
	Output             string
	ServiceAccountName string
	Err                error
}

// CommandRunner executes an external command and returns combined stdout and
// stderr separately. The indirection keeps Tester fully testable.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var out, errOut strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

// Tester verifies a freshly extracted token by running `op whoami` with the
// token injected into the environment.
type Tester struct {
	binary  string
	timeout time.Duration
	envVar  string
	runner  CommandRunner
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewTester creates a Tester for the given CLI binary.
func NewTester(binary string, timeout time.Duration, envVar string, runner CommandRunner, logger *zap.Logger) *Tester {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tester{
		binary:  binary,
		timeout: timeout,
		envVar:  envVar,
		runner:  runner,
		logger:  logger.Named("cli-tester"),
		sleep:   sleepCtx,
	}
}

// Test runs `<binary> whoami` with the token in the environment, retrying
// transient failures with exponential backoff. A malformed token fails fast
// without touching the CLI.
func (t *Tester) Test(ctx context.Context, tok string) CLIResult {
	if v := Validate(tok); !v.Valid {
		return CLIResult{Err: fmt.Errorf("invalid token format: %s", strings.Join(v.Errors, "; "))}
	}

	env := append(os.Environ(), fmt.Sprintf("%s=%s", t.envVar, tok))
	redacted := Redact(tok)

	var lastErr error
	for attempt := 1; attempt <= cliMaxRetries; attempt++ {
		t.logger.Info("Running CLI token test.",
			zap.String("token", redacted),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cliMaxRetries))

		runCtx, cancel := context.WithTimeout(ctx, t.timeout)
		stdout, stderr, err := t.runner.Run(runCtx, env, t.binary, "whoami")
		cancel()

		if err == nil {
			output := strings.TrimSpace(stdout)
			res := CLIResult{Success: true, Output: output}
			if m := serviceAccountPattern.FindStringSubmatch(output); m != nil {
				res.ServiceAccountName = strings.TrimSpace(m[1])
				t.logger.Info("Token verified against CLI.",
					zap.String("service_account", res.ServiceAccountName))
			}
			return res
		}

		if errors.Is(err, exec.ErrNotFound) {
			return CLIResult{Err: fmt.Errorf("%s CLI not found in PATH: %w", t.binary, err)}
		}

		stderr = strings.TrimSpace(stderr)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		lastErr = fmt.Errorf("%s whoami failed: %s: %w", t.binary, stderr, err)

		if !timedOut && !isTransientCLIError(stderr) {
			return CLIResult{Output: stderr, Err: lastErr}
		}
		if attempt == cliMaxRetries {
			break
		}

		delay := backoffDelay(attempt)
		t.logger.Warn("Transient CLI failure, retrying.",
			zap.Duration("delay", delay),
			zap.Bool("timed_out", timedOut))
		if err := t.sleep(ctx, delay); err != nil {
			return CLIResult{Err: err}
		}
	}
	return CLIResult{Err: lastErr}
}

func isTransientCLIError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func backoffDelay(attempt int) time.Duration {
	delay := cliBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= cliBackoffMult
	}
	if delay > cliMaxDelay {
		delay = cliMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
