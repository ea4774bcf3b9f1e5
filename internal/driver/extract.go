// File: internal/driver/extract.go
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opforge/internal/token"
)

// tokenSelectors are the structural containers the token is rendered in.
var tokenSelectors = []wizardSelector{
	{"//code[contains(., 'ops_')]", chromedp.BySearch},
	{"//pre[contains(., 'ops_')]", chromedp.BySearch},
	{"[data-testid='service-account-token']", chromedp.ByQuery},
	{".token-display code", chromedp.ByQuery},
	{".token-value", chromedp.ByQuery},
}

// copyButtonSelectors locate the copy-to-clipboard control.
var copyButtonSelectors = []wizardSelector{
	{"//button[contains(., 'Copy')]", chromedp.BySearch},
	{"[data-testid='copy-token']", chromedp.ByQuery},
	{"[aria-label='Copy token']", chromedp.ByQuery},
}

// extractMethod is one strategy in the extraction fallback chain.
type extractMethod struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

// ExtractToken pulls the one-time-displayed token off the page, trying each
// strategy in strict order: structural selectors, the copy button plus
// clipboard, a full page text scan, and finally screenshot OCR (unsupported
// in this build). Every candidate is validated before it is accepted.
func (d *Driver) ExtractToken(ctx context.Context) (string, error) {
	methods := []extractMethod{
		{"css_selector", d.extractViaStructure},
		{"clipboard", d.extractViaClipboard},
		{"page_text", d.extractViaPageText},
		{"ocr", extractViaOCR},
	}
	tok, err := runExtractionChain(ctx, methods, d.logger)
	if err != nil {
		d.screenshot(ctx, "error_token_extraction")
		return "", err
	}
	return tok, nil
}

// runExtractionChain tries each method in order and returns the first
// candidate that passes validation. Invalid candidates count as not found.
func runExtractionChain(ctx context.Context, methods []extractMethod, logger *zap.Logger) (string, error) {
	var attempted []string
	for _, m := range methods {
		attempted = append(attempted, m.name)
		candidate, err := m.fn(ctx)
		if err != nil {
			logger.Debug("Extraction method failed.", zap.String("method", m.name), zap.Error(err))
			continue
		}
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if v := token.Validate(candidate); !v.Valid {
			logger.Debug("Extraction candidate rejected by validation.",
				zap.String("method", m.name),
				zap.Strings("failures", v.Errors))
			continue
		}
		logger.Info("Token extracted.",
			zap.String("method", m.name),
			zap.String("token", token.Redact(candidate)))
		return candidate, nil
	}
	return "", fmt.Errorf("all token extraction methods failed (%d attempted: %s)",
		len(attempted), strings.Join(attempted, ", "))
}

// extractViaStructure reads the token out of known display containers.
func (d *Driver) extractViaStructure(ctx context.Context) (string, error) {
	for _, sel := range tokenSelectors {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var text string
		err := d.sess.Run(waitCtx,
			chromedp.WaitVisible(sel.sel, sel.by),
			chromedp.Text(sel.sel, &text, sel.by),
		)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
	}
	return "", nil
}

// extractViaClipboard clicks the copy control and reads the clipboard through
// the page's clipboard API.
func (d *Driver) extractViaClipboard(ctx context.Context) (string, error) {
	for _, sel := range copyButtonSelectors {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.sess.Run(waitCtx,
			chromedp.WaitVisible(sel.sel, sel.by),
			chromedp.Click(sel.sel, sel.by),
			chromedp.Sleep(500*time.Millisecond),
		)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		var clipboard string
		readErr := d.sess.Run(ctx, chromedp.Evaluate(
			"navigator.clipboard.readText()",
			&clipboard,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			},
		))
		if readErr != nil {
			d.logger.Debug("Clipboard read failed.", zap.Error(readErr))
			continue
		}
		if clipboard != "" {
			return clipboard, nil
		}
	}
	return "", nil
}

// extractViaPageText scans the full page text for a token pattern.
func (d *Driver) extractViaPageText(ctx context.Context) (string, error) {
	var body string
	if err := d.sess.Run(ctx, chromedp.Text("body", &body, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	if tok, ok := token.ExtractFromOutput(body); ok {
		return tok, nil
	}
	return "", nil
}

// extractViaOCR is declared to keep the fallback order complete; screenshot
// OCR is not supported in this build.
func extractViaOCR(context.Context) (string, error) {
	return "", fmt.Errorf("ocr extraction not supported")
}
