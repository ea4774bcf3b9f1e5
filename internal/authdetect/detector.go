// File: internal/authdetect/detector.go

// Package authdetect probes for existing 1Password authentication before the
// browser automation starts. Both probes are conservative heuristics: any
// error counts as "not authenticated", never as a failure of the detector.
package authdetect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cliWeight     = 0.7
	browserWeight = 0.3
	probeTimeout  = 8 * time.Second
)

// Status is the result of an authentication analysis.
type Status struct {
	Authenticated bool
	// Confidence is the weighted sum of the fired signals, clamped to 0..1.
	Confidence float64
	// Method names the signals that fired: cli, browser, cli+browser, or none.
	Method string
	// Detail distinguishes absent signals from probes that errored.
	Detail string
}

// CommandRunner executes a probe command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs probe commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Detector combines CLI and browser-profile heuristics into a single
// weighted authentication status.
type Detector struct {
	binary string
	runner CommandRunner
	logger *zap.Logger

	// homeDir is overridable for tests.
	homeDir func() (string, error)
}

// New creates a Detector probing the given CLI binary.
func New(binary string, runner CommandRunner, logger *zap.Logger) *Detector {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Detector{
		binary:  binary,
		runner:  runner,
		logger:  logger.Named("authdetect"),
		homeDir: os.UserHomeDir,
	}
}

// Analyze runs both probes and combines them into a Status.
func (d *Detector) Analyze(ctx context.Context) Status {
	cli, cliDetail := d.checkCLISession(ctx)
	browser, browserDetail := d.checkBrowserSession()

	var confidence float64
	if cli {
		confidence += cliWeight
	}
	if browser {
		confidence += browserWeight
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	var method string
	switch {
	case cli && browser:
		method = "cli+browser"
	case cli:
		method = "cli"
	case browser:
		method = "browser"
	default:
		method = "none"
	}

	status := Status{
		Authenticated: cli || browser,
		Confidence:    confidence,
		Method:        method,
		Detail:        strings.Join([]string{cliDetail, browserDetail}, "; "),
	}
	d.logger.Info("Auth detection complete.",
		zap.Bool("authenticated", status.Authenticated),
		zap.Float64("confidence", status.Confidence),
		zap.String("method", status.Method))
	return status
}

// checkCLISession runs `op account list` and treats at least one non-empty
// output line as an active session.
func (d *Detector) checkCLISession(ctx context.Context) (bool, string) {
	if _, err := exec.LookPath(d.binary); err != nil {
		d.logger.Debug("CLI binary not found on PATH.", zap.String("binary", d.binary))
		return false, "cli: binary not found"
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := d.runner.Run(probeCtx, d.binary, "account", "list")
	if err != nil {
		d.logger.Debug("CLI account list probe failed.", zap.Error(err))
		return false, "cli: probe failed"
	}

	lines := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	d.logger.Debug("CLI account list probe finished.", zap.Int("lines", lines))
	if lines > 0 {
		return true, "cli: account detected"
	}
	return false, "cli: no accounts"
}

// checkBrowserSession looks for non-empty browser profile directories as a
// weak signal of a logged-in browser. Conservative: false on any doubt.
func (d *Detector) checkBrowserSession() (bool, string) {
	home, err := d.homeDir()
	if err != nil {
		d.logger.Debug("Cannot resolve home directory.", zap.Error(err))
		return false, "browser: probe failed"
	}

	candidates := []string{
		filepath.Join(home, "Library", "Application Support", "Google", "Chrome"),
		filepath.Join(home, "Library", "Safari"),
		filepath.Join(home, "Library", "Application Support", "Firefox"),
		filepath.Join(home, ".config", "google-chrome"),
		filepath.Join(home, ".config", "chromium"),
		filepath.Join(home, ".mozilla", "firefox"),
	}

	for _, dir := range candidates {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) > 0 {
			d.logger.Debug("Browser profile directory found.", zap.String("path", dir))
			return true, "browser: profile present"
		}
	}
	return false, "browser: no profiles"
}
