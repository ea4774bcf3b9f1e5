// File: internal/decision/engine.go

// Package decision analyzes browser page state and selects the next
// automation action. The engine is deterministic and side-effect free so the
// orchestrator can replay and log every choice it makes.
package decision

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ActionType enumerates the supported automation actions.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionFill     ActionType = "fill"
	ActionNavigate ActionType = "navigate"
	ActionExtract  ActionType = "extract"
	ActionRetry    ActionType = "retry"
)

// Action is the next automation step with the reasoning behind it.
type Action struct {
	Type        ActionType
	Selector    string
	Value       string
	URL         string
	Description string
	Reason      string
	Confidence  float64

	// RequiresManual flags actions that need a human (captcha).
	RequiresManual bool
	// Errors carries the page error markers that triggered a retry.
	Errors []string
	// Field and MatchScore describe the winning form-data match for fills.
	Field      string
	MatchScore float64
	// Label is the matched click label for ranked click candidates.
	Label string
	// ExtractTargets lists the selectors the extraction should try.
	ExtractTargets []string
	// Strategy is the retry strategy attached to failure-driven retries.
	Strategy *RetryStrategy
}

// Element is a visible page element as reported by the driver.
type Element struct {
	Selector    string
	Text        string
	Label       string
	AriaLabel   string
	Name        string
	Placeholder string
	Value       string
	Tag         string
	Role        string
	Type        string
	// Hidden marks elements reported as not visible. The zero value is visible.
	Hidden    bool
	Clickable bool
}

// Intent describes what the caller wants to happen on the current page.
type Intent struct {
	TargetURL      string
	ExtractTargets []string
	FormData       map[string]string
	Query          string
	ClickSelector  string
	ClickText      string
}

// Result reports the outcome of a previously executed action.
type Result struct {
	OK     bool
	Status int
	Err    error
}

// EvaluateResult reports whether a result indicates success. A nil result
// means no action has run yet and is treated as failure.
func EvaluateResult(r *Result) bool {
	if r == nil {
		return false
	}
	if r.Err != nil {
		return false
	}
	if r.Status != 0 {
		return r.Status >= 200 && r.Status < 300
	}
	return r.OK
}

// DecisionRecord is one entry in the context's decision log.
type DecisionRecord struct {
	Timestamp  time.Time
	Action     Action
	Reason     string
	Confidence float64
}

// Context is the mutable decision state derived from the page.
type Context struct {
	URL      string
	DOM      string
	Elements []Element
	Intent   Intent
	Errors   []string

	LastAction *Action
	LastResult *Result
	LastError  error
	RetryCount int

	History []Action
	Log     []DecisionRecord
}

// RecordDecision appends an action to the context history and log.
func (c *Context) RecordDecision(a Action) {
	c.LastAction = &a
	c.History = append(c.History, a)
	c.Log = append(c.Log, DecisionRecord{
		Timestamp:  time.Now(),
		Action:     a,
		Reason:     a.Reason,
		Confidence: a.Confidence,
	})
}

// analysis is the structured view of the current page state.
type analysis struct {
	url        string
	domText    string
	clickables []Element
	inputs     []Element
	errors     []string
	hasCaptcha bool
	isLogin    bool
}

// Engine selects the next action from a decision context.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a decision engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("decision")}
}

// Decide analyzes the page state, selects the next action, and records the
// decision on the context.
func (e *Engine) Decide(ctx *Context) Action {
	an := analyze(ctx)
	action := e.selectAction(ctx, an)
	ctx.RecordDecision(action)

	e.logger.Info("Decision made.",
		zap.String("action", string(action.Type)),
		zap.String("reason", action.Reason),
		zap.String("url", an.url),
		zap.Float64("confidence", action.Confidence))
	return action
}

func analyze(ctx *Context) analysis {
	domText := normalizeText(ctx.DOM)
	an := analysis{
		url:        ctx.URL,
		domText:    domText,
		errors:     extractErrors(domText, ctx.Elements, ctx.Errors),
		hasCaptcha: detectCaptcha(domText),
		isLogin:    detectLogin(domText, ctx.URL, ctx.Elements),
	}
	for _, el := range ctx.Elements {
		if isClickable(el) {
			an.clickables = append(an.clickables, el)
		}
		if isInput(el) {
			an.inputs = append(an.inputs, el)
		}
	}
	return an
}

// selectAction walks the priority ladder: failed last result, captcha, login
// page, page errors, navigation, extraction, fill, click, then a
// low-confidence retry.
func (e *Engine) selectAction(ctx *Context, an analysis) Action {
	if a := maybeRetry(ctx); a != nil {
		return *a
	}

	if an.hasCaptcha {
		return Action{
			Type:           ActionRetry,
			Reason:         "captcha_detected",
			Description:    "Captcha detected; retrying after delay",
			Confidence:     0.2,
			RequiresManual: true,
		}
	}

	if an.isLogin {
		return Action{
			Type:           ActionRetry,
			Reason:         "login_page_detected",
			Description:    "Login page detected; waiting for authentication",
			Confidence:     0.3,
			RequiresManual: true,
		}
	}

	if len(an.errors) > 0 {
		return Action{
			Type:        ActionRetry,
			Reason:      "page_error_detected",
			Description: "Detected error markers in DOM or visible elements",
			Confidence:  0.4,
			Errors:      an.errors,
		}
	}

	if a := maybeNavigate(ctx, an); a != nil {
		return *a
	}
	if a := maybeExtract(ctx); a != nil {
		return *a
	}
	if a := maybeFill(ctx, an); a != nil {
		return *a
	}
	if a := maybeClick(ctx, an); a != nil {
		return *a
	}

	return Action{
		Type:        ActionRetry,
		Reason:      "no_action_candidates",
		Description: "No clear action candidates; retrying after delay",
		Confidence:  0.1,
	}
}

// maybeRetry converts a failed last result into a retry action, consulting
// the error's retry strategy. Non-retryable errors fall through so the rest
// of the ladder can still propose an action.
func maybeRetry(ctx *Context) *Action {
	if ctx.LastResult == nil {
		return nil
	}
	if EvaluateResult(ctx.LastResult) {
		return nil
	}

	var strategy *RetryStrategy
	if ctx.LastError != nil {
		s := StrategyFor(ctx.LastError)
		strategy = &s
	}

	if strategy != nil && !strategy.Retryable {
		return nil
	}

	if strategy != nil && !strategy.ShouldRetry(ctx.RetryCount) {
		return &Action{
			Type:        ActionRetry,
			Reason:      "retry_exhausted",
			Description: "Retry limit reached for last error",
			Confidence:  0.2,
			Strategy:    strategy,
		}
	}

	return &Action{
		Type:        ActionRetry,
		Reason:      "last_result_failed",
		Description: "Last action failed; retrying",
		Confidence:  0.5,
		Strategy:    strategy,
	}
}

func maybeNavigate(ctx *Context, an analysis) *Action {
	target := ctx.Intent.TargetURL
	if target == "" {
		return nil
	}
	if urlMatches(an.url, target) {
		return nil
	}
	return &Action{
		Type:        ActionNavigate,
		URL:         target,
		Reason:      "target_url_mismatch",
		Description: fmt.Sprintf("Navigate to target URL: %s", target),
		Confidence:  0.9,
	}
}

func maybeExtract(ctx *Context) *Action {
	if len(ctx.Intent.ExtractTargets) == 0 {
		return nil
	}
	return &Action{
		Type:           ActionExtract,
		Reason:         "extraction_requested",
		Description:    "Extraction targets provided in intent",
		Confidence:     0.8,
		ExtractTargets: ctx.Intent.ExtractTargets,
	}
}

func maybeFill(ctx *Context, an analysis) *Action {
	if len(an.inputs) == 0 {
		return nil
	}

	if len(ctx.Intent.FormData) > 0 {
		if el, field, value, score, ok := selectBestInput(an.inputs, ctx.Intent.FormData); ok {
			return &Action{
				Type:        ActionFill,
				Selector:    el.Selector,
				Value:       value,
				Reason:      "fill_field:" + field,
				Description: "Fill input based on form data mapping",
				Confidence:  minFloat(1.0, 0.4+score*0.6),
				Field:       field,
				MatchScore:  score,
			}
		}
	}

	if ctx.Intent.Query != "" {
		if el, ok := selectSearchInput(an.inputs); ok {
			return &Action{
				Type:        ActionFill,
				Selector:    el.Selector,
				Value:       ctx.Intent.Query,
				Reason:      "fill_search_query",
				Description: "Fill search input with query",
				Confidence:  0.6,
			}
		}
	}
	return nil
}

func maybeClick(ctx *Context, an analysis) *Action {
	if len(an.clickables) == 0 {
		return nil
	}

	if ctx.Intent.ClickSelector != "" {
		return &Action{
			Type:        ActionClick,
			Selector:    ctx.Intent.ClickSelector,
			Reason:      "click_selector_override",
			Description: "Click selector provided by intent",
			Confidence:  0.8,
		}
	}

	if ctx.Intent.ClickText != "" {
		if el, ok := matchClickText(an.clickables, ctx.Intent.ClickText); ok {
			return &Action{
				Type:        ActionClick,
				Selector:    el.Selector,
				Reason:      "click_text_override",
				Description: "Click element matching intent text",
				Confidence:  0.7,
				Label:       ctx.Intent.ClickText,
			}
		}
	}

	el, label, score, ok := selectBestClick(an.clickables)
	if !ok {
		return nil
	}
	return &Action{
		Type:        ActionClick,
		Selector:    el.Selector,
		Reason:      "click_candidate:" + label,
		Description: "Click highest-priority visible element",
		Confidence:  minFloat(1.0, 0.3+score*0.7),
		Label:       label,
		MatchScore:  score,
	}
}

// clickPriority ranks click labels from most to least likely to advance a
// provisioning wizard.
var clickPriority = []string{
	"continue", "next", "submit", "save", "ok", "yes", "allow", "accept",
	"sign in", "log in", "login", "create", "start", "finish", "done",
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(strings.ToLower(s), " "))
}

func elementText(el Element) string {
	parts := []string{el.Text, el.Label, el.AriaLabel, el.Name, el.Placeholder, el.Value}
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return normalizeText(strings.Join(nonEmpty, " "))
}

func isClickable(el Element) bool {
	if el.Hidden {
		return false
	}
	if el.Clickable {
		return true
	}
	switch strings.ToLower(el.Role) {
	case "button", "link", "menuitem", "tab":
		return true
	}
	switch strings.ToLower(el.Tag) {
	case "button", "a":
		return true
	}
	return false
}

func isInput(el Element) bool {
	if el.Hidden {
		return false
	}
	switch strings.ToLower(el.Role) {
	case "textbox", "combobox", "searchbox":
		return true
	}
	switch strings.ToLower(el.Tag) {
	case "input", "textarea", "select":
		return true
	}
	switch strings.ToLower(el.Type) {
	case "text", "email", "password", "search", "tel", "url":
		return true
	}
	return false
}

func extractErrors(domText string, elements []Element, known []string) []string {
	found := append([]string(nil), known...)
	if strings.Contains(domText, "error") || strings.Contains(domText, "failed") ||
		strings.Contains(domText, "try again") {
		found = append(found, "dom_error_marker")
	}
	for _, el := range elements {
		text := elementText(el)
		for _, marker := range []string{"error", "failed", "invalid", "try again"} {
			if strings.Contains(text, marker) {
				found = append(found, text)
				break
			}
		}
	}
	return found
}

func detectLogin(domText, url string, elements []Element) bool {
	lowerURL := strings.ToLower(url)
	for _, marker := range []string{"login", "signin", "sign-in"} {
		if strings.Contains(lowerURL, marker) {
			return true
		}
	}
	for _, marker := range []string{"password", "sign in", "log in"} {
		if strings.Contains(domText, marker) {
			return true
		}
	}
	for _, el := range elements {
		text := elementText(el)
		for _, marker := range []string{"sign in", "log in", "password"} {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}

func detectCaptcha(domText string) bool {
	for _, marker := range []string{"captcha", "recaptcha", "hcaptcha"} {
		if strings.Contains(domText, marker) {
			return true
		}
	}
	return false
}

func urlMatches(current, target string) bool {
	if current == "" || target == "" {
		return false
	}
	if current == target || strings.HasPrefix(current, target) {
		return true
	}
	return strings.Contains(current, target)
}

func selectBestInput(inputs []Element, formData map[string]string) (Element, string, string, float64, bool) {
	var (
		best      Element
		bestField string
		bestValue string
		bestScore float64
		found     bool
	)
	for _, el := range inputs {
		if isFilled(el) {
			continue
		}
		text := elementText(el)
		for field, value := range formData {
			score := scoreMatch(text, field)
			if score <= 0 {
				continue
			}
			if !found || score > bestScore {
				best, bestField, bestValue, bestScore, found = el, field, value, score, true
			}
		}
	}
	return best, bestField, bestValue, bestScore, found
}

func selectSearchInput(inputs []Element) (Element, bool) {
	for _, el := range inputs {
		if isFilled(el) {
			continue
		}
		if strings.Contains(elementText(el), "search") {
			return el, true
		}
		if strings.EqualFold(el.Type, "search") {
			return el, true
		}
	}
	return Element{}, false
}

func selectBestClick(clickables []Element) (Element, string, float64, bool) {
	var (
		best      Element
		bestLabel string
		bestScore float64
		found     bool
	)
	for _, el := range clickables {
		text := elementText(el)
		for rank, label := range clickPriority {
			if strings.Contains(text, label) {
				score := 1.0 - float64(rank)/float64(len(clickPriority))
				if !found || score > bestScore {
					best, bestLabel, bestScore, found = el, label, score, true
				}
			}
		}
	}
	return best, bestLabel, bestScore, found
}

func matchClickText(clickables []Element, target string) (Element, bool) {
	normalized := normalizeText(target)
	if normalized == "" {
		return Element{}, false
	}
	for _, el := range clickables {
		if strings.Contains(elementText(el), normalized) {
			return el, true
		}
	}
	return Element{}, false
}

func isFilled(el Element) bool {
	return strings.TrimSpace(el.Value) != ""
}

func scoreMatch(elementText, fieldKey string) float64 {
	if elementText == "" || fieldKey == "" {
		return 0
	}
	elementText = normalizeText(elementText)
	fieldKey = normalizeText(fieldKey)
	if elementText == fieldKey {
		return 1.0
	}
	if strings.Contains(elementText, fieldKey) {
		return 0.8
	}
	if strings.Contains(fieldKey, elementText) {
		return 0.6
	}
	for _, tok := range strings.Fields(fieldKey) {
		if strings.Contains(elementText, tok) {
			return 0.4
		}
	}
	return 0
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
