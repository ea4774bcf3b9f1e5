// File: internal/token/cli_test.go
package token

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedRun struct {
	stdout string
	stderr string
	err    error
}

type scriptedRunner struct {
	runs  []scriptedRun
	calls int
	env   [][]string
	args  [][]string
}

func (r *scriptedRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, string, error) {
	i := r.calls
	r.calls++
	r.env = append(r.env, env)
	r.args = append(r.args, append([]string{name}, args...))
	if i >= len(r.runs) {
		i = len(r.runs) - 1
	}
	run := r.runs[i]
	return run.stdout, run.stderr, run.err
}

func newTestTester(runner CommandRunner) *Tester {
	t := NewTester("op", 5*time.Second, testEnvVar, runner, zap.NewNop())
	t.sleep = func(context.Context, time.Duration) error { return nil }
	return t
}

func TestTestParsesServiceAccountName(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{
		{stdout: "URL:             https://my.1password.com\nService Account: SPARC-Automation (automation)\n"},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), validToken())

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "SPARC-Automation", res.ServiceAccountName)
	assert.Equal(t, 1, runner.calls)

	require.Len(t, runner.args, 1)
	assert.Equal(t, []string{"op", "whoami"}, runner.args[0])
}

func TestTestInjectsTokenIntoEnvironment(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{{stdout: "ok"}}}
	tester := newTestTester(runner)
	tok := validToken()

	res := tester.Test(context.Background(), tok)

	require.True(t, res.Success)
	require.Len(t, runner.env, 1)
	assert.Contains(t, runner.env[0], testEnvVar+"="+tok)
}

func TestTestRejectsInvalidTokenWithoutRunning(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{{stdout: "ok"}}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), "ops_bad")

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "invalid token format")
	assert.Zero(t, runner.calls)
}

func TestTestBinaryNotFoundFailsFast(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{
		{err: fmt.Errorf("exec: %w", exec.ErrNotFound)},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), validToken())

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "not found in PATH")
	assert.Equal(t, 1, runner.calls)
}

func TestTestRetriesTransientFailures(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{
		{stderr: "503 server error", err: errors.New("exit status 1")},
		{stderr: "connection reset", err: errors.New("exit status 1")},
		{stdout: "Service Account: automation\n"},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), validToken())

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "automation", res.ServiceAccountName)
	assert.Equal(t, 3, runner.calls)
}

func TestTestPermanentFailureDoesNotRetry(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{
		{stderr: "authorization denied", err: errors.New("exit status 1")},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), validToken())

	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, runner.calls)
	assert.Contains(t, res.Output, "authorization denied")
}

func TestTestExhaustsTransientRetries(t *testing.T) {
	runner := &scriptedRunner{runs: []scriptedRun{
		{stderr: "network unreachable", err: errors.New("exit status 1")},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), validToken())

	require.Error(t, res.Err)
	assert.Equal(t, 3, runner.calls)
	assert.Contains(t, res.Err.Error(), "whoami failed")
}

func TestTestErrorNeverContainsToken(t *testing.T) {
	tok := "ops_" + strings.Repeat("Zq7TkV2m", 13)
	runner := &scriptedRunner{runs: []scriptedRun{
		{stderr: "authorization denied", err: errors.New("exit status 1")},
	}}
	tester := newTestTester(runner)

	res := tester.Test(context.Background(), tok)

	require.Error(t, res.Err)
	assert.NotContains(t, res.Err.Error(), tok)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 60*time.Second, backoffDelay(10))
}
