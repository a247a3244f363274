package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
)

// HTTPClient implements Client over the JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) setSessionToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// do posts in as JSON to path and decodes a 2xx body into out when out is
// not nil. With auth set the session token is attached.
func (c *HTTPClient) do(ctx context.Context, path string, auth bool, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		token := c.sessionToken()
		if token == "" {
			return ErrNotLoggedIn
		}
		req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
		return mapError(resp.StatusCode, er)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) Register(ctx context.Context, userName, email string, password []byte, hwid string) error {
	req := map[string]string{
		"username": userName,
		"email":    email,
		"password": string(password),
		"hwid":     hwid,
	}
	return c.do(ctx, "/api/register", false, req, nil)
}

// Login stores the returned session token for later authorized calls.
func (c *HTTPClient) Login(ctx context.Context, userName string, password []byte, hwid string) (*Session, error) {
	req := map[string]string{
		"username": userName,
		"password": string(password),
		"hwid":     hwid,
	}
	var resp struct {
		Token                 string `json:"token"`
		ExpiresAt             int64  `json:"expires_at"`
		SubscriptionExpiresAt int64  `json:"subscription_expires_at"`
	}
	if err := c.do(ctx, "/api/login", false, req, &resp); err != nil {
		return nil, err
	}
	c.setSessionToken(resp.Token)
	return &Session{Token: resp.Token, ExpiresAt: resp.ExpiresAt, SubscriptionExpiresAt: resp.SubscriptionExpiresAt}, nil
}

func (c *HTTPClient) Verify(ctx context.Context) (*Identity, error) {
	token := c.sessionToken()
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	var resp struct {
		UserName  string `json:"username"`
		Hwid      string `json:"hwid"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := c.do(ctx, "/api/verify", false, map[string]string{"token": token}, &resp); err != nil {
		return nil, err
	}
	return &Identity{UserName: resp.UserName, Hwid: resp.Hwid, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *HTTPClient) Activate(ctx context.Context, code string) (*Key, error) {
	var key Key
	if err := c.do(ctx, "/api/keys/activate", true, map[string]string{"code": code}, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *HTTPClient) RequestReset(ctx context.Context, email string) error {
	return c.do(ctx, "/api/password/reset-request", false, map[string]string{"email": email}, nil)
}

func (c *HTTPClient) CompleteReset(ctx context.Context, token string, newPassword []byte) error {
	req := map[string]string{"token": token, "new_password": string(newPassword)}
	return c.do(ctx, "/api/password/reset", false, req, nil)
}

// Logout forgets the session token. Tokens are stateless so nothing is
// sent to the server.
func (c *HTTPClient) Logout() {
	c.setSessionToken("")
}
