// File: internal/driver/driver.go

// Package driver executes the browser side of the provisioning flow:
// navigation, form filling, wizard stepping and token extraction. It drives a
// single session and leaves all sequencing decisions to the orchestrator.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opforge/internal/config"
	"github.com/xkilldash9x/opforge/internal/session"
)

// NavStatus classifies the outcome of a navigation attempt.
type NavStatus string

const (
	NavSuccess      NavStatus = "success"
	NavAuthRequired NavStatus = "auth_required"
	NavError        NavStatus = "error"
)

// NavResult reports where a navigation ended up.
type NavResult struct {
	Status NavStatus
	URL    string
}

// nameSelectors are the ordered strategies for locating the account name
// input. Order matters: the most specific selector wins first.
var nameSelectors = []string{
	"input[name='name']",
	"input[placeholder*='name' i]",
	"input[aria-label*='name' i]",
	"input[type='text']:first-of-type",
	"[data-testid='service-account-name']",
}

// Driver binds a browser session to the provisioning flow.
type Driver struct {
	mgr     *session.Manager
	sess    *session.Session
	browser config.BrowserConfig
	auto    config.AutomationConfig
	logger  *zap.Logger
}

// New creates a Driver. The session is not launched until Open is called.
func New(mgr *session.Manager, browser config.BrowserConfig, auto config.AutomationConfig, logger *zap.Logger) *Driver {
	return &Driver{
		mgr:     mgr,
		browser: browser,
		auto:    auto,
		logger:  logger.Named("driver"),
	}
}

// Open launches the browser session. When a saved session state exists it is
// restored so an authenticated session carries over between runs.
func (d *Driver) Open(ctx context.Context) error {
	sess, err := d.mgr.Create(ctx)
	if err != nil {
		return err
	}
	d.sess = sess

	if path := d.mgr.StateFile(); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := sess.Restore(ctx, path); err != nil {
				d.logger.Warn("Could not restore saved session state.", zap.Error(err))
			}
		}
	}
	return nil
}

// Close saves session state when configured and shuts the browser down.
// Safe to call with no open session.
func (d *Driver) Close(ctx context.Context) error {
	if d.sess == nil {
		return nil
	}
	if path := d.mgr.StateFile(); path != "" {
		if err := d.sess.Save(ctx, path); err != nil {
			d.logger.Warn("Could not save session state on close.", zap.Error(err))
		}
	}
	err := d.sess.Close()
	d.sess = nil
	return err
}

// Session exposes the underlying session, nil before Open.
func (d *Driver) Session() *session.Session { return d.sess }

// SessionID returns the active session identifier, empty before Open.
func (d *Driver) SessionID() string {
	if d.sess == nil {
		return ""
	}
	return d.sess.ID()
}

// ProcessID returns the Chromium process ID, 0 before Open.
func (d *Driver) ProcessID() int {
	if d.sess == nil {
		return 0
	}
	return d.sess.BrowserPID()
}

// Location reports the current URL and title of the automation tab. Used for
// checkpointing; errors surface as empty values plus the error.
func (d *Driver) Location(ctx context.Context) (string, string, error) {
	if d.sess == nil {
		return "", "", fmt.Errorf("no open session")
	}
	url, err := d.sess.CurrentURL(ctx)
	if err != nil {
		return "", "", err
	}
	title, err := d.sess.Title(ctx)
	if err != nil {
		return url, "", err
	}
	return url, title, nil
}

// Navigate drives the tab to the target URL and classifies the landing page.
// Landing on a login page triggers one grace-period wait so the operator can
// authenticate manually before the result is reported.
func (d *Driver) Navigate(ctx context.Context, target string) (NavResult, error) {
	res, err := d.navigateOnce(ctx, target)
	if err != nil {
		return res, err
	}

	if res.Status == NavAuthRequired && d.auto.AuthGracePeriod > 0 {
		if ok, scanErr := d.sess.IsAuthenticated(ctx, d.auto.AuthPatterns); scanErr == nil {
			d.logger.Debug("Session auth indicator scan.", zap.Bool("authenticated", ok))
		}
		d.logger.Warn("Authentication required, waiting for manual sign-in.",
			zap.String("url", res.URL),
			zap.Duration("grace_period", d.auto.AuthGracePeriod))
		if err := d.sess.Run(ctx, chromedp.Sleep(d.auto.AuthGracePeriod)); err != nil {
			return res, err
		}
		return d.navigateOnce(ctx, target)
	}
	return res, nil
}

func (d *Driver) navigateOnce(ctx context.Context, target string) (NavResult, error) {
	navCtx, cancel := context.WithTimeout(ctx, d.auto.NavigationTimeout)
	defer cancel()

	err := d.sess.Run(navCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return NavResult{Status: NavError}, fmt.Errorf("navigation failed: %w", err)
	}

	current, err := d.sess.CurrentURL(navCtx)
	if err != nil {
		return NavResult{Status: NavError}, err
	}
	d.screenshot(ctx, "01_navigation")

	res := NavResult{URL: current}
	switch {
	case current == target || strings.HasPrefix(current, target):
		res.Status = NavSuccess
		d.logger.Info("Navigation successful.", zap.String("url", current))
	case strings.Contains(current, "signin") || strings.Contains(current, "login"):
		res.Status = NavAuthRequired
	default:
		res.Status = NavError
		d.logger.Error("Unexpected redirect.", zap.String("url", current))
	}
	return res, nil
}

// FillAccountForm enters the service account name and selects vault
// permissions. The name entry is verified by reading the field back; a
// mismatch is a hard failure. Vault selection is best effort.
func (d *Driver) FillAccountForm(ctx context.Context, name string, vaults []string) error {
	if err := d.fillNameField(ctx, name); err != nil {
		return err
	}
	if len(vaults) > 0 {
		if err := d.selectVault(ctx, vaults[0]); err != nil {
			d.logger.Warn("Vault selection failed, continuing.", zap.Error(err))
		}
	}
	d.screenshot(ctx, "02_form_filled")
	return nil
}

func (d *Driver) fillNameField(ctx context.Context, name string) error {
	selector, err := d.findVisible(ctx, nameSelectors, 5*time.Second)
	if err != nil {
		return fmt.Errorf("name field not found: %w", err)
	}
	d.logger.Debug("Found name field.", zap.String("selector", selector))

	// Focus and clear any pre-filled value before typing.
	if err := d.sess.Run(ctx,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to clear name field: %w", err)
	}

	if err := d.typeHumanlike(ctx, name); err != nil {
		return fmt.Errorf("failed to type account name: %w", err)
	}

	var entered string
	if err := d.sess.Run(ctx, chromedp.Value(selector, &entered, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to read back name field: %w", err)
	}
	if entered != name {
		return fmt.Errorf("name mismatch: expected %q, got %q", name, entered)
	}

	d.logger.Info("Account name entered.", zap.String("name", name))
	return nil
}

// typeHumanlike sends one key at a time to the focused element with a hold
// delay between keystrokes.
func (d *Driver) typeHumanlike(ctx context.Context, text string) error {
	delay := d.browser.TypingDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for _, key := range text {
		err := d.sess.Run(ctx,
			chromedp.SendKeys("document.activeElement", string(key), chromedp.ByJSPath),
			chromedp.Sleep(delay),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// jsSelectVault opens the vault picker and chooses the requested vault,
// skipping the default Personal vault. Falls back to the first non-Personal
// option. Returns the selected label or "" when nothing could be selected.
const jsSelectVault = `(function(wanted) {
    const picker = document.querySelector("[data-testid='vault-selector'], .vault-selector, select[name='vault']");
    if (!picker) return "";
    picker.click();
    const options = document.querySelectorAll("[role='option'], .vault-option, option");
    wanted = (wanted || "").toLowerCase();
    let fallback = null;
    for (const opt of options) {
        const text = (opt.textContent || "").trim();
        const lower = text.toLowerCase();
        if (lower.includes("personal")) continue;
        if (wanted && lower.includes(wanted)) {
            opt.click();
            return text;
        }
        if (!fallback) fallback = opt;
    }
    if (fallback) {
        fallback.click();
        return (fallback.textContent || "").trim();
    }
    return "";
})(%q)`

func (d *Driver) selectVault(ctx context.Context, vault string) error {
	var selected string
	script := fmt.Sprintf(jsSelectVault, vault)
	if err := d.sess.Run(ctx, chromedp.Evaluate(script, &selected)); err != nil {
		return fmt.Errorf("vault selection script failed: %w", err)
	}
	if selected == "" {
		return fmt.Errorf("no vault option matched %q", vault)
	}
	d.logger.Info("Vault selected.", zap.String("vault", selected))
	d.screenshot(ctx, "03_vault_selected")
	return nil
}

// findVisible tries each selector in order with a short per-selector timeout
// and returns the first one with a visible match.
func (d *Driver) findVisible(ctx context.Context, selectors []string, perSelector time.Duration) (string, error) {
	for _, sel := range selectors {
		waitCtx, cancel := context.WithTimeout(ctx, perSelector)
		err := d.sess.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
		cancel()
		if err == nil {
			return sel, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("no selector matched: %s", strings.Join(selectors, ", "))
}

// screenshot captures a debug screenshot into the configured directory.
// Failures are logged and never affect the flow.
func (d *Driver) screenshot(ctx context.Context, name string) {
	if d.browser.ScreenshotDir == "" || d.sess == nil {
		return
	}
	var buf []byte
	if err := d.sess.Run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		d.logger.Debug("Screenshot capture failed.", zap.String("name", name), zap.Error(err))
		return
	}
	if err := os.MkdirAll(d.browser.ScreenshotDir, 0o755); err != nil {
		d.logger.Debug("Screenshot dir creation failed.", zap.Error(err))
		return
	}
	path := filepath.Join(d.browser.ScreenshotDir, name+".png")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		d.logger.Debug("Screenshot write failed.", zap.String("path", path), zap.Error(err))
	}
}
