package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fleetdesk/internal/storage"
)

// GoTrueConfig configures the REST client for the hosted auth service.
type GoTrueConfig struct {
	URL           string // project URL, e.g. https://xyz.example.co
	APIKey        string // anon key
	HTTPClient    *http.Client
	RefreshMargin time.Duration
}

// GoTrue talks to a GoTrue-compatible /auth/v1 API and persists the session
// in local storage.
type GoTrue struct {
	baseURL string
	apiKey  string
	http    *http.Client
	margin  time.Duration
	persist persister
	events  emitter
	logger  *slog.Logger
	now     func() time.Time

	refreshMu sync.Mutex
}

func NewGoTrue(cfg GoTrueConfig, store storage.Store, logger *slog.Logger) *GoTrue {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTrue{
		baseURL: strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		apiKey:  cfg.APIKey,
		http:    hc,
		margin:  margin,
		persist: persister{store: store},
		logger:  logger,
		now:     time.Now,
	}
}

func (g *GoTrue) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s Session
	if err := g.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}}, "", body, &s); err != nil {
		return nil, err
	}
	normalizeExpiry(&s, g.now())
	if err := g.persist.save(ctx, &s); err != nil {
		g.logger.Warn("failed to persist session", "error", err)
	}
	g.events.emit(Event{Type: EventSignedIn, Session: &s})
	return &s, nil
}

// SignOut revokes the session remotely and always clears it locally.
func (g *GoTrue) SignOut(ctx context.Context) error {
	s, err := g.persist.load(ctx)
	var remoteErr error
	if err == nil && s != nil {
		remoteErr = g.do(ctx, http.MethodPost, "/logout", nil, s.AccessToken, nil, nil)
	}
	if err := g.persist.clear(ctx); err != nil {
		g.logger.Warn("failed to clear persisted session", "error", err)
	}
	g.events.emit(Event{Type: EventSignedOut})
	if remoteErr != nil {
		return fmt.Errorf("sign out: %w", remoteErr)
	}
	return nil
}

// GetSession returns the persisted session, refreshing it when it is about to
// expire. A nil session with a nil error means nobody is signed in.
func (g *GoTrue) GetSession(ctx context.Context) (*Session, error) {
	s, err := g.persist.load(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.ExpiresWithin(g.now(), g.margin) {
		return s, nil
	}
	return g.refresh(ctx, s)
}

func (g *GoTrue) refresh(ctx context.Context, old *Session) (*Session, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if cur, err := g.persist.load(ctx); err == nil && cur != nil && cur.AccessToken != old.AccessToken {
		return cur, nil
	}

	var s Session
	body := map[string]string{"refresh_token": old.RefreshToken}
	if err := g.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "", body, &s); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			_ = g.persist.clear(ctx)
			g.events.emit(Event{Type: EventSignedOut})
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	normalizeExpiry(&s, g.now())
	if err := g.persist.save(ctx, &s); err != nil {
		g.logger.Warn("failed to persist refreshed session", "error", err)
	}
	g.events.emit(Event{Type: EventTokenRefreshed, Session: &s})
	return &s, nil
}

func (g *GoTrue) OnAuthStateChange(fn Listener) Subscription {
	sub := g.events.subscribe(fn)
	initialSession(sub, fn, g.GetSession)
	return sub
}

func (g *GoTrue) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	s, err := g.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}
	var u User
	if err := g.do(ctx, http.MethodPut, "/user", nil, s.AccessToken, attrs, &u); err != nil {
		return nil, err
	}
	s.User = u
	if err := g.persist.save(ctx, s); err != nil {
		g.logger.Warn("failed to persist updated user", "error", err)
	}
	g.events.emit(Event{Type: EventUserUpdated, Session: s})
	return &u, nil
}

func (g *GoTrue) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return g.do(ctx, http.MethodPost, "/recover", q, "", map[string]string{"email": email}, nil)
}

func (g *GoTrue) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = g.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	res, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read identity provider response: %w", err)
	}
	if res.StatusCode >= 300 {
		return decodeAPIError(res.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode identity provider response: %w", err)
	}
	return nil
}

// decodeAPIError understands both the OAuth-style and the msg-style error bodies.
func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	e := &APIError{Status: status}
	switch {
	case body.ErrorCode != "":
		e.Code = body.ErrorCode
	case body.Error != "":
		e.Code = body.Error
	}
	for _, m := range []string{body.ErrorDescription, body.Msg, body.Message, body.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	return e
}
