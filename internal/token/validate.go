// File: internal/token/validate.go

// Package token validates, redacts, persists and smoke-tests 1Password
// service account tokens. Tokens are opaque secrets and must never appear
// in logs or errors in full; use Redact for any user-visible form.
package token

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Prefix identifies a service account token.
	Prefix = "ops_"
	// MinLength is the minimum total length of a valid token.
	MinLength = 100
)

var (
	// fullPattern matches a complete, well-formed token.
	fullPattern = regexp.MustCompile(`^ops_[A-Za-z0-9_-]{100,}$`)
	// searchPattern pulls a token candidate out of arbitrary surrounding text.
	searchPattern = regexp.MustCompile(`(ops_[A-Za-z0-9_-]{100,})`)
	// whitespace collapses runs of spaces and newlines when scanning wrapped output.
	whitespace = regexp.MustCompile(`\s+`)
)

// Validation carries the per-check results of a token format validation.
type Validation struct {
	Valid        bool
	PrefixOK     bool
	LengthOK     bool
	CharsetOK    bool
	PatternMatch bool
	Errors       []string
}

// Validate checks a token against the expected service account token format.
// Each check is reported individually so callers can explain exactly what
// failed without ever echoing the token itself.
func Validate(tok string) Validation {
	var v Validation

	if tok == "" {
		v.Errors = append(v.Errors,
			fmt.Sprintf("token must start with %q", Prefix),
			fmt.Sprintf("token too short: 0 < %d", MinLength),
			"token is empty")
		return v
	}

	v.PrefixOK = strings.HasPrefix(tok, Prefix)
	if !v.PrefixOK {
		v.Errors = append(v.Errors, fmt.Sprintf("token must start with %q", Prefix))
	}

	v.LengthOK = len(tok) >= MinLength
	if !v.LengthOK {
		v.Errors = append(v.Errors, fmt.Sprintf("token too short: %d < %d", len(tok), MinLength))
	}

	v.CharsetOK = true
	for i, r := range tok {
		if !isAllowed(r) {
			v.CharsetOK = false
			v.Errors = append(v.Errors, fmt.Sprintf("invalid character at position %d", i))
			break
		}
	}

	v.PatternMatch = fullPattern.MatchString(tok)
	if !v.PatternMatch && len(v.Errors) == 0 {
		v.Errors = append(v.Errors, "token does not match expected pattern")
	}

	v.Valid = v.PrefixOK && v.LengthOK && v.CharsetOK && v.PatternMatch
	return v
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// Redact returns a token in its loggable form: the first and last eight
// characters joined by an ellipsis. Tokens too short to redact safely are
// fully masked.
func Redact(tok string) string {
	if len(tok) < 20 {
		return "ops_****...****"
	}
	return tok[:8] + "..." + tok[len(tok)-8:]
}

// ExtractFromOutput pulls a token out of arbitrary text such as page content
// or CLI output. Tokens wrapped across lines or in quotes are handled by
// collapsing whitespace first; a raw scan is the fallback.
func ExtractFromOutput(output string) (string, bool) {
	if output == "" {
		return "", false
	}

	cleaned := whitespace.ReplaceAllString(output, "")
	if m := searchPattern.FindStringSubmatch(cleaned); m != nil {
		return m[1], true
	}
	if m := searchPattern.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	return "", false
}
