package capital

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	headerAPIKey        = "X-CAP-API-KEY"
	headerCST           = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"
)

// Tokens are the session headers issued by POST /session.
type Tokens struct {
	CST           string
	SecurityToken string
}

// Authenticator obtains fresh session tokens.
type Authenticator interface {
	Authenticate(ctx context.Context) (Tokens, error)
}

// Credentials holds the API key and current session tokens used to authorize
// every request. It is shared by all workers; Refresh swaps tokens in place.
type Credentials struct {
	mu     sync.RWMutex
	apiKey string
	tokens Tokens
	gen    uint64
	auth   Authenticator

	refreshMu sync.Mutex
}

// NewCredentials builds a holder. auth may be nil when the API key alone
// authorizes requests; Refresh is then a no-op.
func NewCredentials(apiKey string, auth Authenticator) *Credentials {
	return &Credentials{apiKey: apiKey, auth: auth}
}

// Apply writes the authorization headers onto h.
func (c *Credentials) Apply(h http.Header) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey != "" {
		h.Set(headerAPIKey, c.apiKey)
	}
	if c.tokens.CST != "" {
		h.Set(headerCST, c.tokens.CST)
	}
	if c.tokens.SecurityToken != "" {
		h.Set(headerSecurityToken, c.tokens.SecurityToken)
	}
}

// Generation increases by one on every successful Refresh.
func (c *Credentials) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *Credentials) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Refresh re-authenticates unconditionally.
func (c *Credentials) Refresh(ctx context.Context) error {
	return c.RefreshSince(ctx, c.Generation())
}

// RefreshSince re-authenticates unless another caller already refreshed after
// generation seen. Concurrent callers that saw the same generation share one login.
func (c *Credentials) RefreshSince(ctx context.Context, seen uint64) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.Generation() != seen {
		return nil
	}
	if c.auth == nil {
		return nil
	}
	t, err := c.auth.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	c.mu.Lock()
	c.tokens = t
	c.gen++
	c.mu.Unlock()
	return nil
}

// SessionAuthenticator logs in with identifier/password via POST {BaseURL}/session.
type SessionAuthenticator struct {
	BaseURL    string
	APIKey     string
	Identifier string
	Password   string
	HTTPClient *http.Client
}

func (a *SessionAuthenticator) Authenticate(ctx context.Context) (Tokens, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": a.Identifier,
		"password":   a.Password,
	})
	if err != nil {
		return Tokens{}, err
	}
	u := strings.TrimRight(a.BaseURL, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return Tokens{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, a.APIKey)

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Tokens{}, &RequestError{Kind: KindTransient, Method: http.MethodPost, Path: "/session", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		kind := KindAuth
		if resp.StatusCode >= 500 {
			kind = KindTransient
		}
		return Tokens{}, &RequestError{Kind: kind, Method: http.MethodPost, Path: "/session", Status: resp.StatusCode, Body: truncateBody(body)}
	}
	t := Tokens{
		CST:           resp.Header.Get(headerCST),
		SecurityToken: resp.Header.Get(headerSecurityToken),
	}
	if t.CST == "" || t.SecurityToken == "" {
		return Tokens{}, &RequestError{Kind: KindAuth, Method: http.MethodPost, Path: "/session", Status: resp.StatusCode, Err: fmt.Errorf("session tokens missing from response headers")}
	}
	return t, nil
}
