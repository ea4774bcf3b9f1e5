// File: internal/orchestrator/orchestrator.go

// Package orchestrator sequences the provisioning workflow as a state
// machine: auth check, browser session, navigation, form fill, wizard,
// extraction, validation, persistence and CLI test, with per-step retry
// strategies and guaranteed cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opforge/internal/authdetect"
	"github.com/xkilldash9x/opforge/internal/config"
	"github.com/xkilldash9x/opforge/internal/decision"
	"github.com/xkilldash9x/opforge/internal/driver"
	"github.com/xkilldash9x/opforge/internal/token"
)

// State is one node of the orchestration state machine.
type State string

const (
	StateInit          State = "init"
	StateCheckAuth     State = "check_auth"
	StateSessionInit   State = "session_init"
	StateBrowserOpen   State = "browser_open"
	StateNavigate      State = "navigate"
	StateFillForm      State = "fill_form"
	StateWizardNav     State = "wizard_nav"
	StateExtractToken  State = "extract_token"
	StateValidateToken State = "validate_token"
	StateSaveToken     State = "save_token"
	StateTestToken     State = "test_token"
	StateCleanup       State = "cleanup"
	StateComplete      State = "complete"
	StateError         State = "error"
)

// FailureKind classifies terminal failures so the CLI can map them to exit
// codes.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureAuth
	FailureExtraction
	FailureValidation
	FailureConfig
	FailureGeneral
)

// AuthChecker probes for pre-existing authentication.
type AuthChecker interface {
	Analyze(ctx context.Context) authdetect.Status
}

// Browser is the browser automation surface the orchestrator drives.
type Browser interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Navigate(ctx context.Context, target string) (driver.NavResult, error)
	FillAccountForm(ctx context.Context, name string, vaults []string) error
	AdvanceWizard(ctx context.Context) (driver.WizardResult, error)
	ExtractToken(ctx context.Context) (string, error)
	SessionID() string
	ProcessID() int
	Location(ctx context.Context) (url, title string, err error)
}

// TokenSink persists a validated token.
type TokenSink interface {
	Save(tok string) token.PersistResult
}

// TokenTester smoke-tests a token against the vendor CLI.
type TokenTester interface {
	Test(ctx context.Context, tok string) token.CLIResult
}

// Result is the outcome of a full orchestration run.
type Result struct {
	Success       bool
	AccountName   string
	RedactedToken string
	Token         string
	Failure       FailureKind
	Err           error
	Duration      time.Duration
	FinalState    State
	StatesVisited []State
	AuthMethod    string

	TokenValidated bool
	TokenSaved     bool
	TokenTested    bool
	// ServiceAccountName is the name reported back by the CLI test.
	ServiceAccountName string
	// WizardSteps is how many wizard steps were taken.
	WizardSteps int
}

// Orchestrator runs the provisioning workflow.
type Orchestrator struct {
	cfg         *config.Config
	auth        AuthChecker
	browser     Browser
	sink        TokenSink
	tester      TokenTester
	checkpoints *CheckpointStore
	logger      *zap.Logger

	// sleep is injectable so retry backoff is testable without waiting.
	sleep func(context.Context, time.Duration) error
}

// New wires an orchestrator from its dependencies.
func New(cfg *config.Config, auth AuthChecker, browser Browser, sink TokenSink, tester TokenTester, checkpoints *CheckpointStore, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || auth == nil || browser == nil || sink == nil || tester == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:         cfg,
		auth:        auth,
		browser:     browser,
		sink:        sink,
		tester:      tester,
		checkpoints: checkpoints,
		logger:      logger.Named("orchestrator"),
		sleep:       sleepCtx,
	}, nil
}

// run tracks the mutable state of one orchestration run.
type run struct {
	id          string
	accountName string
	vaults      []string
	startedAt   time.Time
	current     State
	previous    State
	visited     []State
	retryCount  int
	formFields  map[string]string
	cleanupDone bool
	token       string
}

// Run executes the full workflow. Cleanup runs exactly once in every path
// and never masks the error that caused a failure.
func (o *Orchestrator) Run(ctx context.Context, accountName string, vaults []string) Result {
	r := &run{
		id:          uuid.New().String(),
		accountName: accountName,
		vaults:      vaults,
		startedAt:   time.Now(),
		current:     StateInit,
		visited:     []State{StateInit},
	}

	o.logger.Info("Starting provisioning run.",
		zap.String("run_id", r.id),
		zap.String("account", accountName),
		zap.Strings("vaults", vaults),
		zap.Bool("headless", o.cfg.Browser.Headless))

	return o.runLoop(ctx, r)
}

// Resume replays an interrupted run identified by its checkpoint. The browser
// does not survive a process restart, so the flow starts over from the
// beginning; the original run ID and retry count carry forward so checkpoints
// and logs stay continuous.
func (o *Orchestrator) Resume(ctx context.Context, cp Checkpoint, accountName string, vaults []string) Result {
	r := &run{
		id:          cp.RunID,
		accountName: accountName,
		vaults:      vaults,
		startedAt:   time.Now(),
		current:     StateInit,
		visited:     []State{StateInit},
		retryCount:  cp.RetryCount,
		formFields:  cp.FormFields,
	}

	o.logger.Info("Resuming provisioning run.",
		zap.String("run_id", r.id),
		zap.String("account", accountName),
		zap.String("interrupted_state", string(cp.CurrentState)),
		zap.Time("originally_started", cp.StartedAt))

	return o.runLoop(ctx, r)
}

func (o *Orchestrator) runLoop(ctx context.Context, r *run) Result {
	res := Result{AccountName: r.accountName}
	kind, err := o.execute(ctx, r, &res)

	if err != nil {
		o.transition(ctx, r, StateError)
		o.cleanup(ctx, r)
		res.Success = false
		res.Failure = kind
		res.Err = err
		o.logger.Error("Provisioning run failed.",
			zap.String("run_id", r.id),
			zap.String("state", string(r.current)),
			zap.Error(err))
	} else {
		res.Success = true
		o.logger.Info("Provisioning run completed.",
			zap.String("run_id", r.id),
			zap.Duration("duration", time.Since(r.startedAt)))
	}

	res.Duration = time.Since(r.startedAt)
	res.FinalState = r.current
	res.StatesVisited = r.visited
	return res
}

// execute walks the happy path, returning the first failure and its kind.
func (o *Orchestrator) execute(ctx context.Context, r *run, res *Result) (FailureKind, error) {
	// Check authentication.
	o.transition(ctx, r, StateCheckAuth)
	status := o.auth.Analyze(ctx)
	res.AuthMethod = status.Method
	if !status.Authenticated {
		return FailureAuth, fmt.Errorf("not authenticated: %s (confidence %.0f%%)",
			status.Method, status.Confidence*100)
	}
	o.logger.Info("Authentication confirmed.",
		zap.String("method", status.Method),
		zap.Float64("confidence", status.Confidence))

	// Prepare session infrastructure.
	o.transition(ctx, r, StateSessionInit)

	// Launch the browser.
	o.transition(ctx, r, StateBrowserOpen)
	if err := o.browser.Open(ctx); err != nil {
		return FailureGeneral, fmt.Errorf("failed to open browser: %w", err)
	}

	// Navigate to the provisioning page.
	o.transition(ctx, r, StateNavigate)
	err := o.retryWithBackoff(ctx, r, "navigate", func(ctx context.Context) error {
		nav, err := o.browser.Navigate(ctx, o.cfg.Automation.TargetURL)
		if err != nil {
			return err
		}
		switch nav.Status {
		case driver.NavSuccess:
			return nil
		case driver.NavAuthRequired:
			return fmt.Errorf("authentication required at %s", nav.URL)
		default:
			return fmt.Errorf("unexpected redirect to %s", nav.URL)
		}
	})
	if err != nil {
		if strings.Contains(err.Error(), "authentication required") {
			return FailureAuth, err
		}
		return FailureGeneral, err
	}

	// Fill the creation form.
	o.transition(ctx, r, StateFillForm)
	err = o.retryWithBackoff(ctx, r, "fill_form", func(ctx context.Context) error {
		return o.browser.FillAccountForm(ctx, r.accountName, r.vaults)
	})
	if err != nil {
		return FailureGeneral, err
	}
	r.formFields = map[string]string{"name": r.accountName}
	if len(r.vaults) > 0 {
		r.formFields["vault"] = r.vaults[0]
	}

	// Step through the wizard to the token display.
	o.transition(ctx, r, StateWizardNav)
	err = o.retryWithBackoff(ctx, r, "wizard_nav", func(ctx context.Context) error {
		wiz, err := o.browser.AdvanceWizard(ctx)
		res.WizardSteps = wiz.StepsTaken
		return err
	})
	if err != nil {
		return FailureGeneral, err
	}

	// Extract the one-time token.
	o.transition(ctx, r, StateExtractToken)
	err = o.retryWithBackoff(ctx, r, "extract_token", func(ctx context.Context) error {
		tok, err := o.browser.ExtractToken(ctx)
		if err != nil {
			return err
		}
		r.token = tok
		return nil
	})
	if err != nil {
		return FailureExtraction, err
	}
	res.RedactedToken = token.Redact(r.token)
	res.Token = r.token

	// Validate the token. No retries: a malformed token will not improve.
	o.transition(ctx, r, StateValidateToken)
	if v := token.Validate(r.token); !v.Valid {
		return FailureValidation, fmt.Errorf("token validation failed: %s", strings.Join(v.Errors, "; "))
	}
	res.TokenValidated = true

	// Persist to the shell profile.
	o.transition(ctx, r, StateSaveToken)
	persist := o.sink.Save(r.token)
	if !persist.Success {
		return FailureGeneral, fmt.Errorf("token persistence failed: %w", persist.Err)
	}
	res.TokenSaved = true
	o.logger.Info("Token saved.",
		zap.String("env_var", persist.EnvVar),
		zap.String("backup", persist.BackupPath),
		zap.Bool("verified", persist.Verified))

	// Smoke-test against the vendor CLI.
	o.transition(ctx, r, StateTestToken)
	cli := o.tester.Test(ctx, r.token)
	if !cli.Success {
		return FailureGeneral, fmt.Errorf("token test failed: %w", cli.Err)
	}
	res.TokenTested = true
	res.ServiceAccountName = cli.ServiceAccountName

	// Tear down and finish.
	o.transition(ctx, r, StateCleanup)
	o.cleanup(ctx, r)
	o.transition(ctx, r, StateComplete)
	return FailureNone, nil
}

// cleanup closes the browser exactly once per run. Failures are logged and
// swallowed so they never mask the error that got us here.
func (o *Orchestrator) cleanup(ctx context.Context, r *run) {
	if r.cleanupDone {
		return
	}
	r.cleanupDone = true
	if r.current != StateCleanup {
		// Error path: record the cleanup pass in the visited states.
		r.visited = append(r.visited, StateCleanup)
	}
	if err := o.browser.Close(ctx); err != nil {
		o.logger.Warn("Cleanup error (non-fatal).", zap.Error(err))
	}
	o.logger.Info("Cleanup complete.")
}

// transition moves the run to a new state, logs it, and checkpoints.
func (o *Orchestrator) transition(ctx context.Context, r *run, next State) {
	r.previous = r.current
	r.current = next
	r.visited = append(r.visited, next)
	o.logger.Info("State transition.",
		zap.String("from", string(r.previous)),
		zap.String("to", string(next)))
	o.checkpoint(ctx, r)
}

// checkpoint snapshots the run state. URL and title are best effort and only
// captured while the browser is open.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) {
	if o.checkpoints == nil {
		return
	}
	cp := Checkpoint{
		RunID:         r.id,
		StartedAt:     r.startedAt,
		UpdatedAt:     time.Now(),
		CurrentState:  r.current,
		PreviousState: r.previous,
		RetryCount:    r.retryCount,
		ElapsedSec:    time.Since(r.startedAt).Seconds(),
		FormFields:    r.formFields,
		Resumable:     r.current != StateComplete && r.current != StateError,
	}
	if o.browser.SessionID() != "" {
		cp.BrowserPID = o.browser.ProcessID()
		if url, title, err := o.browser.Location(ctx); err == nil {
			cp.CurrentURL = url
			cp.PageTitle = title
		}
	}
	o.checkpoints.Save(cp)
}

// retryWithBackoff retries an operation according to the strategy selected
// for its error, capped by the configured max retries. Non-retryable errors
// fail immediately.
func (o *Orchestrator) retryWithBackoff(ctx context.Context, r *run, name string, op func(context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		strategy := decision.StrategyFor(err)
		maxAttempts := o.resolveMaxAttempts(strategy)

		if !strategy.Retryable {
			o.logger.Error("Step failed with non-retryable error.",
				zap.String("step", name),
				zap.String("strategy", strategy.Name),
				zap.Error(err))
			return err
		}
		if maxAttempts <= 0 {
			o.logger.Error("Step failed with retries disabled.",
				zap.String("step", name),
				zap.String("strategy", strategy.Name),
				zap.Error(err))
			return err
		}

		attempt++
		r.retryCount++
		if attempt >= maxAttempts {
			o.logger.Error("Step failed after exhausting retries.",
				zap.String("step", name),
				zap.Int("attempts", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
			return err
		}

		delay := strategy.NextDelay(attempt)
		o.logger.Warn("Step failed, retrying.",
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.String("strategy", strategy.Name),
			zap.String("reason", strategy.Reason),
			zap.Error(err))
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// resolveMaxAttempts caps a strategy's attempt budget with the configured
// retry limit. The stricter of the two wins.
func (o *Orchestrator) resolveMaxAttempts(strategy decision.RetryStrategy) int {
	configured := o.cfg.Retry.MaxRetries
	if configured < 0 {
		return 0
	}
	if strategy.MaxAttempts <= 0 {
		return 0
	}
	if configured < strategy.MaxAttempts {
		return configured
	}
	return strategy.MaxAttempts
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
