// File: internal/session/state.go
package session

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cookie is a JSON-stable subset of the CDP cookie model.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// State is the serialized browser session state.
type State struct {
	SessionID      string            `json:"session_id"`
	CapturedAt     time.Time         `json:"captured_at"`
	UserAgent      string            `json:"user_agent"`
	URL            string            `json:"url"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
}

// jsStorageSnapshot reads all keys of a Web Storage area as a plain object.
const jsStorageSnapshot = `(function() {
    let items = {};
    try {
        const s = window.%s;
        if (s) {
            for (let i = 0; i < s.length; i++) {
                const k = s.key(i);
                if (k) { items[k] = s.getItem(k); }
            }
        }
    } catch (e) { /* SecurityError or storage disabled */ }
    return items;
})()`

// Save captures cookies, storage and the current URL into the state file.
func (s *Session) Save(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("no session state file configured")
	}

	state := State{
		SessionID:      s.id,
		CapturedAt:     time.Now(),
		UserAgent:      s.userAgent,
		LocalStorage:   map[string]string{},
		SessionStorage: map[string]string{},
	}

	err := s.Run(ctx,
		chromedp.Location(&state.URL),
		chromedp.Evaluate(fmt.Sprintf(jsStorageSnapshot, "localStorage"), &state.LocalStorage),
		chromedp.Evaluate(fmt.Sprintf(jsStorageSnapshot, "sessionStorage"), &state.SessionStorage),
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return err
			}
			for _, ck := range cookies {
				state.Cookies = append(state.Cookies, Cookie{
					Name:     ck.Name,
					Value:    ck.Value,
					Domain:   ck.Domain,
					Path:     ck.Path,
					Expires:  ck.Expires,
					HTTPOnly: ck.HTTPOnly,
					Secure:   ck.Secure,
				})
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to capture session state: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	s.logger.Info("Session state saved.",
		zap.String("path", path),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("local_storage_keys", len(state.LocalStorage)))
	return nil
}

// Restore loads a previously saved state: navigate to the saved URL, replay
// cookies and storage, then reload so the page sees the restored state.
func (s *Session) Restore(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("no session state file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse session state: %w", err)
	}

	actions := []chromedp.Action{}
	if state.URL != "" {
		actions = append(actions, chromedp.Navigate(state.URL))
	}
	actions = append(actions, chromedp.ActionFunc(func(c context.Context) error {
		for _, ck := range state.Cookies {
			if err := setCookieParams(ck).Do(c); err != nil {
				s.logger.Warn("Failed to restore cookie.", zap.String("name", ck.Name), zap.Error(err))
			}
		}
		return nil
	}))
	for k, v := range state.LocalStorage {
		actions = append(actions, storageSetAction("localStorage", k, v))
	}
	for k, v := range state.SessionStorage {
		actions = append(actions, storageSetAction("sessionStorage", k, v))
	}
	if state.URL != "" {
		actions = append(actions, chromedp.Reload())
	}

	if err := s.Run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to restore session state: %w", err)
	}

	s.logger.Info("Session state restored.",
		zap.String("path", path),
		zap.String("url", state.URL),
		zap.Int("cookies", len(state.Cookies)))
	return nil
}

// setCookieParams rebuilds the CDP SetCookie call for a saved cookie. The
// saved expiry is replayed so a restored cookie keeps its original lifetime
// instead of degrading to a session cookie. Expires <= 0 means session-scoped.
func setCookieParams(ck Cookie) *network.SetCookieParams {
	p := network.SetCookie(ck.Name, ck.Value).
		WithDomain(ck.Domain).
		WithPath(ck.Path).
		WithHTTPOnly(ck.HTTPOnly).
		WithSecure(ck.Secure)
	if ck.Expires > 0 {
		sec, frac := math.Modf(ck.Expires)
		expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*float64(time.Second))))
		p = p.WithExpires(&expires)
	}
	return p
}

func storageSetAction(area, key, value string) chromedp.Action {
	script := fmt.Sprintf(`try { window.%s.setItem(%q, %q); } catch (e) {}`, area, key, value)
	return chromedp.Evaluate(script, nil)
}

// DefaultAuthPatterns are the cookie and storage key substrings that indicate
// an authenticated web session.
var DefaultAuthPatterns = []string{
	"session", "auth", "token", "user_id", "logged_in", "access_token", "refresh_token",
}

// IsAuthenticated scans cookie names and localStorage keys for the given
// substrings. An empty pattern list falls back to DefaultAuthPatterns.
func (s *Session) IsAuthenticated(ctx context.Context, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		patterns = DefaultAuthPatterns
	}

	var names []string
	storage := map[string]string{}
	err := s.Run(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return err
			}
			for _, ck := range cookies {
				names = append(names, ck.Name)
			}
			return nil
		}),
		chromedp.Evaluate(fmt.Sprintf(jsStorageSnapshot, "localStorage"), &storage),
	)
	if err != nil {
		return false, fmt.Errorf("failed to inspect session auth state: %w", err)
	}

	for key := range storage {
		names = append(names, key)
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, pattern := range patterns {
			if strings.Contains(lower, pattern) {
				s.logger.Debug("Auth indicator matched.", zap.String("key", name))
				return true, nil
			}
		}
	}
	return false, nil
}
