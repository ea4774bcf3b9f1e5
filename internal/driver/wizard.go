// File: internal/driver/wizard.go
package driver

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// nextButtonSelectors locate the wizard advance button. Text-matching
// selectors are XPath so they work through the CDP search API.
var nextButtonSelectors = []wizardSelector{
	{"//button[contains(., 'Next')]", chromedp.BySearch},
	{"//button[contains(., 'Continue')]", chromedp.BySearch},
	{"//button[contains(., 'Create')]", chromedp.BySearch},
	{"button[type='submit']", chromedp.ByQuery},
	{"[data-testid='next-button']", chromedp.ByQuery},
}

// tokenIndicators are checked to detect that the one-time token display has
// been reached.
var tokenIndicators = []wizardSelector{
	{"//code[contains(., 'ops_')]", chromedp.BySearch},
	{"//pre[contains(., 'ops_')]", chromedp.BySearch},
	{"[data-testid='service-account-token']", chromedp.ByQuery},
	{".token-display", chromedp.ByQuery},
}

var tokenTextPattern = regexp.MustCompile(`ops_[A-Za-z0-9_-]{100,}`)

type wizardSelector struct {
	sel string
	by  chromedp.QueryOption
}

// WizardResult reports how the wizard navigation ended.
type WizardResult struct {
	StepsTaken int
	Completed  bool
}

// AdvanceWizard clicks through wizard steps until the token display appears
// or no advance button remains. Exceeding the configured maximum number of
// steps is a hard failure.
func (d *Driver) AdvanceWizard(ctx context.Context) (WizardResult, error) {
	maxSteps := d.auto.MaxWizardSteps
	res := WizardResult{}

	for res.StepsTaken < maxSteps {
		res.StepsTaken++
		d.logger.Info("Wizard step.", zap.Int("step", res.StepsTaken))

		if d.DetectTokenDisplayed(ctx) {
			d.logger.Info("Token display detected, wizard complete.")
			res.Completed = true
			return res, nil
		}

		if err := d.clickNext(ctx); err != nil {
			// No advance button left. The wizard is done only if the
			// token is now visible.
			if d.DetectTokenDisplayed(ctx) {
				res.Completed = true
				return res, nil
			}
			return res, fmt.Errorf("wizard stuck at step %d: %w", res.StepsTaken, err)
		}
		d.screenshot(ctx, fmt.Sprintf("04_wizard_step_%d", res.StepsTaken))
	}

	if d.DetectTokenDisplayed(ctx) {
		res.Completed = true
		return res, nil
	}
	return res, fmt.Errorf("exceeded maximum wizard steps (%d)", maxSteps)
}

// clickNext finds and clicks the first enabled advance button.
func (d *Driver) clickNext(ctx context.Context) error {
	for _, candidate := range nextButtonSelectors {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.sess.Run(waitCtx,
			chromedp.WaitVisible(candidate.sel, candidate.by),
			chromedp.Click(candidate.sel, candidate.by),
		)
		cancel()
		if err == nil {
			d.logger.Debug("Clicked wizard button.", zap.String("selector", candidate.sel))
			// Give the page a moment to transition.
			return d.sess.Run(ctx,
				chromedp.Sleep(500*time.Millisecond),
				chromedp.WaitReady("body", chromedp.ByQuery),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("next button not found")
}

// DetectTokenDisplayed reports whether the token reveal page is showing.
func (d *Driver) DetectTokenDisplayed(ctx context.Context) bool {
	for _, indicator := range tokenIndicators {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := d.sess.Run(waitCtx, chromedp.WaitVisible(indicator.sel, indicator.by))
		cancel()
		if err == nil {
			d.logger.Debug("Token indicator found.", zap.String("selector", indicator.sel))
			return true
		}
	}

	// Fallback: scan the page text directly.
	var body string
	textCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.sess.Run(textCtx, chromedp.Text("body", &body, chromedp.ByQuery)); err != nil {
		return false
	}
	return tokenTextPattern.MatchString(body)
}
