// File: internal/session/session.go

// Package session manages the lifecycle of the Chromium instance used by the
// provisioning automation: launch, state save/restore, and teardown.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opforge/internal/config"
)

// ErrLaunch wraps browser launch failures, including launch timeouts.
var ErrLaunch = fmt.Errorf("browser launch failed")

// Session represents a running browser with a single automation tab.
type Session struct {
	id        string
	userAgent string
	logger    *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu       sync.Mutex
	isClosed bool
}

// Manager creates and restores browser sessions.
type Manager struct {
	cfg       config.BrowserConfig
	stateFile string
	logger    *zap.Logger
}

// NewManager creates a session manager.
func NewManager(cfg config.BrowserConfig, stateFile string, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, stateFile: stateFile, logger: logger.Named("session")}
}

// Create launches a browser and returns a ready session. Launch is bounded by
// the configured launch timeout; exceeding it returns an ErrLaunch-wrapped
// error with everything torn down.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", m.cfg.Headless))
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	opts = append(opts, chromedp.WindowSize(m.cfg.ViewportWidth(), m.cfg.ViewportHeight()))
	for _, arg := range m.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	sessionID := uuid.New().String()
	s := &Session{
		id:            sessionID,
		userAgent:     m.cfg.UserAgent,
		logger:        m.logger.With(zap.String("session_id", sessionID)),
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}

	// First Run starts the browser process and connects CDP.
	launchCtx, cancel := context.WithTimeout(browserCtx, m.cfg.LaunchTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx,
		emulation.SetDeviceMetricsOverride(
			int64(m.cfg.ViewportWidth()), int64(m.cfg.ViewportHeight()), 1.0, false),
	); err != nil {
		s.Close()
		if launchCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: timed out after %s", ErrLaunch, m.cfg.LaunchTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	s.logger.Info("Browser session created.",
		zap.Bool("headless", m.cfg.Headless),
		zap.Int("viewport_width", m.cfg.ViewportWidth()),
		zap.Int("viewport_height", m.cfg.ViewportHeight()))
	return s, nil
}

// StateFile returns the configured session state path, empty when state
// persistence is disabled.
func (m *Manager) StateFile() string { return m.stateFile }

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Context exposes the chromedp context for callers that drive the tab.
func (s *Session) Context() context.Context { return s.browserCtx }

// BrowserPID returns the OS process ID of the launched browser, 0 when no
// process is attached.
func (s *Session) BrowserPID() int {
	c := chromedp.FromContext(s.browserCtx)
	if c == nil || c.Browser == nil {
		return 0
	}
	if p := c.Browser.Process(); p != nil {
		return p.Pid
	}
	return 0
}

// Run executes chromedp actions, respecting both the session lifetime and the
// caller's context.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(s.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// CurrentURL returns the location of the automation tab.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	return url, nil
}

// Title returns the document title of the automation tab.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.Run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

// Close shuts the session down in tab, browser, allocator order. It is
// idempotent and logs rather than returns teardown failures.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// Cancel the browser context first so the tab and browser shut down
	// before the allocator reaps the process.
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

// combineContext derives a context from the session context (which carries
// the CDP connection) that is also canceled when the caller's context is.
func combineContext(sessionCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(sessionCtx)
	go func() {
		select {
		case <-callerCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
