// File: internal/decision/engine_test.go
package decision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine() *Engine {
	return NewEngine(zap.NewNop())
}

func TestDecideNavigatesOnURLMismatch(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL:    "https://example.com/home",
		Intent: Intent{TargetURL: "https://my.1password.com/developer-tools/"},
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionNavigate, a.Type)
	assert.Equal(t, "target_url_mismatch", a.Reason)
	assert.Equal(t, ctx.Intent.TargetURL, a.URL)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
}

func TestDecideSkipsNavigationWhenOnTarget(t *testing.T) {
	e := newTestEngine()
	target := "https://my.1password.com/developer-tools/"
	cases := []string{
		target,
		target + "infrastructure-secrets",
		"https://proxy.internal/" + target,
	}
	for _, url := range cases {
		ctx := &Context{URL: url, Intent: Intent{TargetURL: target}}
		a := e.Decide(ctx)
		assert.NotEqual(t, ActionNavigate, a.Type, "url %s should count as on-target", url)
	}
}

func TestDecideCaptchaRequiresManual(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		DOM: "<div>Please complete the reCAPTCHA challenge</div>",
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionRetry, a.Type)
	assert.Equal(t, "captcha_detected", a.Reason)
	assert.True(t, a.RequiresManual)
	assert.InDelta(t, 0.2, a.Confidence, 1e-9)
}

func TestDecideLoginPageRequiresManual(t *testing.T) {
	e := newTestEngine()
	cases := []Context{
		{URL: "https://my.1password.com/signin"},
		{
			URL: "https://my.1password.com/page",
			DOM: "<label>Password</label><input type='password'>",
		},
		{
			URL: "https://my.1password.com/page",
			Elements: []Element{
				{Selector: "#submit", Tag: "button", Text: "Sign in"},
			},
		},
	}
	for i := range cases {
		a := e.Decide(&cases[i])
		assert.Equal(t, ActionRetry, a.Type)
		assert.Equal(t, "login_page_detected", a.Reason)
		assert.True(t, a.RequiresManual)
		assert.InDelta(t, 0.3, a.Confidence, 1e-9)
	}
}

func TestDecideCaptchaOutranksLoginPage(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/signin",
		DOM: "Enter your password and complete the reCAPTCHA challenge",
	}

	a := e.Decide(ctx)

	assert.Equal(t, "captcha_detected", a.Reason)
}

func TestDecidePageErrorTriggersRetry(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		DOM: "Something failed. Please try again.",
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionRetry, a.Type)
	assert.Equal(t, "page_error_detected", a.Reason)
	assert.NotEmpty(t, a.Errors)
	assert.InDelta(t, 0.4, a.Confidence, 1e-9)
}

func TestDecideExtractWhenTargetsGiven(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL:    "https://my.1password.com/page",
		Intent: Intent{ExtractTargets: []string{"code", "[data-testid='service-account-token']"}},
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionExtract, a.Type)
	assert.Equal(t, ctx.Intent.ExtractTargets, a.ExtractTargets)
	assert.InDelta(t, 0.8, a.Confidence, 1e-9)
}

func TestDecideFillPrefersBestFieldMatch(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#desc", Tag: "input", Placeholder: "Description"},
			{Selector: "#name", Tag: "input", Placeholder: "Service account name"},
		},
		Intent: Intent{FormData: map[string]string{"name": "automation-bot"}},
	}

	a := e.Decide(ctx)

	require.Equal(t, ActionFill, a.Type)
	assert.Equal(t, "#name", a.Selector)
	assert.Equal(t, "automation-bot", a.Value)
	assert.Equal(t, "fill_field:name", a.Reason)
	assert.Equal(t, "name", a.Field)
	assert.Greater(t, a.Confidence, 0.4)
}

func TestDecideFillSkipsAlreadyFilledInputs(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#name", Tag: "input", Placeholder: "name", Value: "already set"},
		},
		Intent: Intent{FormData: map[string]string{"name": "automation-bot"}},
	}

	a := e.Decide(ctx)

	assert.NotEqual(t, ActionFill, a.Type)
}

func TestDecideFillSearchQueryFallback(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#q", Tag: "input", Type: "search", Placeholder: "Search vaults"},
		},
		Intent: Intent{Query: "Automation"},
	}

	a := e.Decide(ctx)

	require.Equal(t, ActionFill, a.Type)
	assert.Equal(t, "#q", a.Selector)
	assert.Equal(t, "Automation", a.Value)
	assert.Equal(t, "fill_search_query", a.Reason)
	assert.InDelta(t, 0.6, a.Confidence, 1e-9)
}

func TestDecideClickSelectorOverrideWins(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#other", Tag: "button", Text: "Continue"},
		},
		Intent: Intent{ClickSelector: "#create-account"},
	}

	a := e.Decide(ctx)

	require.Equal(t, ActionClick, a.Type)
	assert.Equal(t, "#create-account", a.Selector)
	assert.Equal(t, "click_selector_override", a.Reason)
	assert.InDelta(t, 0.8, a.Confidence, 1e-9)
}

func TestDecideClickRankedByPriority(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#done", Tag: "button", Text: "Done"},
			{Selector: "#continue", Tag: "button", Text: "Continue"},
		},
	}

	a := e.Decide(ctx)

	require.Equal(t, ActionClick, a.Type)
	assert.Equal(t, "#continue", a.Selector, "continue outranks done")
	assert.Equal(t, "click_candidate:continue", a.Reason)
	assert.Equal(t, "continue", a.Label)
}

func TestDecideIgnoresHiddenElements(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL: "https://my.1password.com/page",
		Elements: []Element{
			{Selector: "#hidden", Tag: "button", Text: "Continue", Hidden: true},
		},
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionRetry, a.Type)
	assert.Equal(t, "no_action_candidates", a.Reason)
	assert.InDelta(t, 0.1, a.Confidence, 1e-9)
}

func TestDecideFailedLastResultRetries(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL:        "https://my.1password.com/page",
		LastResult: &Result{OK: false},
		LastError:  errors.New("connection timeout"),
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionRetry, a.Type)
	assert.Equal(t, "last_result_failed", a.Reason)
	assert.InDelta(t, 0.5, a.Confidence, 1e-9)
	require.NotNil(t, a.Strategy)
	assert.Equal(t, "timeout", a.Strategy.Name)
}

func TestDecideRetryExhausted(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL:        "https://my.1password.com/page",
		LastResult: &Result{OK: false},
		LastError:  errors.New("connection timeout"),
		RetryCount: 3,
	}

	a := e.Decide(ctx)

	assert.Equal(t, ActionRetry, a.Type)
	assert.Equal(t, "retry_exhausted", a.Reason)
	assert.InDelta(t, 0.2, a.Confidence, 1e-9)
}

func TestDecideNonRetryableErrorFallsThrough(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{
		URL:        "https://other.example.com/page",
		LastResult: &Result{OK: false},
		LastError:  errors.New("invalid selector"),
		Intent:     Intent{TargetURL: "https://my.1password.com/page"},
	}

	a := e.Decide(ctx)

	// Non-retryable failures skip the retry branch and let navigation win.
	assert.Equal(t, ActionNavigate, a.Type)
}

func TestDecideRecordsDecision(t *testing.T) {
	e := newTestEngine()
	ctx := &Context{URL: "https://my.1password.com/page"}

	a := e.Decide(ctx)

	require.NotNil(t, ctx.LastAction)
	assert.Equal(t, a.Type, ctx.LastAction.Type)
	require.Len(t, ctx.History, 1)
	require.Len(t, ctx.Log, 1)
	assert.Equal(t, a.Reason, ctx.Log[0].Reason)
	assert.False(t, ctx.Log[0].Timestamp.IsZero())
}

func TestEvaluateResult(t *testing.T) {
	cases := []struct {
		name string
		r    *Result
		want bool
	}{
		{"nil result", nil, false},
		{"error set", &Result{OK: true, Err: errors.New("boom")}, false},
		{"http 200", &Result{Status: 200}, true},
		{"http 302", &Result{Status: 302}, false},
		{"ok flag", &Result{OK: true}, true},
		{"not ok", &Result{OK: false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateResult(tc.r))
		})
	}
}

func TestScoreMatch(t *testing.T) {
	cases := []struct {
		name    string
		element string
		field   string
		want    float64
	}{
		{"exact", "name", "name", 1.0},
		{"field in element text", "service account name", "name", 0.8},
		{"element text in field", "name", "account name", 0.6},
		{"shared token", "enter the account label", "account name", 0.4},
		{"no overlap", "email address", "vault", 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, scoreMatch(tc.element, tc.field), 1e-9)
		})
	}
}
