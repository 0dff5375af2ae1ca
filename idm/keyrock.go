// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package idm is the client of the Keyrock Identity Manager used by the PEP.
// The PEP authenticates itself at startup and then asks the IDM for the identity
// (and optionally the authorization decision) of the owner of each access token.
package idm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/internal/breaker"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/types"
	"gitlab.com/greyxor/slogor"
)

// ErrUnauthorized is returned when the IDM rejects the token of the user (any 4xx reply)
var ErrUnauthorized = errors.New("token rejected by the IDM")

const (
	DefaultTimeout = 10 * time.Second

	// Startup authentication of the PEP is retried this number of times
	authRetries  = 10
	authInterval = 5 * time.Second
)

// Query describes a request to GET /user
type Query struct {
	// Token is the access token of the user
	Token string

	// Decision asks the IDM to compute the authorization decision for Action and Resource
	Decision bool
	Action   string
	Resource string
	Tenant   string

	// Authzforce asks the IDM for the Authzforce domain of the application
	Authzforce bool
}

// Client talks to the IDM. It is safe for concurrent use.
type Client struct {
	baseURL    string
	appID      string
	username   string
	password   string
	httpClient *http.Client
	breaker    *breaker.Breaker[*types.Identity]

	mu          sync.RWMutex
	pepToken    string
	authzConfig map[string]any

	// retryInterval can be changed in tests
	retryInterval time.Duration
}

// New creates the client. If httpClient is nil, a client with the default timeout is used.
func New(cfg *config.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    cfg.IDM.URL(),
		appID:      cfg.PEP.AppID,
		username:   cfg.PEP.Username,
		password:   cfg.PEP.Password,
		httpClient: httpClient,
		breaker: breaker.New[*types.Identity]("idm", func(err error) bool {
			return err == nil || errors.Is(err, ErrUnauthorized)
		}),
		retryInterval: authInterval,
	}
}

// URL is the base URL of the IDM
func (c *Client) URL() string {
	return c.baseURL
}

// BreakerState is the state of the circuit breaker protecting the calls to GET /user
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Token is the token obtained by the PEP when authenticating with the IDM
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pepToken
}

// AuthorizationConfig is the 'idm_authorization_config' object returned by the IDM when the PEP
// authenticates, or nil if the IDM did not send it.
func (c *Client) AuthorizationConfig() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authzConfig
}

// CheckConnection verifies that the IDM replies to GET /version
func (c *Client) CheckConnection(ctx context.Context) (map[string]any, error) {
	u := c.baseURL + "/version"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errl.Errorf("creating request: %s: %w", u, err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, errl.Error(err)
	}

	version := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &version); err != nil {
			return nil, errl.Errorf("parsing version reply: %w", err)
		}
	}
	return version, nil
}

// Authenticate obtains a token for the PEP, with the credentials of the PEP in the application.
func (c *Client) Authenticate(ctx context.Context) error {
	u := c.baseURL + "/v3/auth/tokens"

	credentials, err := json.Marshal(map[string]string{
		"name":     c.username,
		"password": c.password,
	})
	if err != nil {
		return errl.Error(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(credentials))
	if err != nil {
		return errl.Errorf("creating request: %s: %w", u, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errl.Errorf("sending request: %s: %w", u, err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return errl.Errorf("failed to read body: %s: %w", u, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errl.Errorf("authenticating PEP: %s: status: %d", u, res.StatusCode)
	}

	token := res.Header.Get("X-Subject-Token")
	if len(token) == 0 {
		return errl.Errorf("authenticating PEP: missing X-Subject-Token in reply")
	}

	var reply struct {
		AuthzConfig map[string]any `json:"idm_authorization_config"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			slog.Warn("IDM authentication reply is not JSON", slogor.Err(err))
		}
	}

	c.mu.Lock()
	c.pepToken = token
	c.authzConfig = reply.AuthzConfig
	c.mu.Unlock()

	if reply.AuthzConfig != nil {
		rules := "HTTP Verb+Resource"
		if reply.AuthzConfig["level"] == "advanced" {
			rules = "HTTP Verb+Resource and Advanced"
		}
		slog.Info("IDM authorization configuration", "authzforce", reply.AuthzConfig["authzforce"], "rules", rules)
	}

	slog.Info("PEP authenticated with the IDM", "idm", c.baseURL)
	return nil
}

// AuthenticateWithRetry calls Authenticate until it succeeds, the retries are exhausted
// or the context is cancelled.
func (c *Client) AuthenticateWithRetry(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.Authenticate(ctx)
		if err != nil {
			slog.Warn("PEP authentication with the IDM failed", "attempt", attempt, slogor.Err(err))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), authRetries-1),
		ctx,
	)

	if err := backoff.Retry(op, policy); err != nil {
		return errl.Errorf("PEP could not authenticate with the IDM after %d attempts: %w", attempt, err)
	}
	return nil
}

// User asks the IDM for the identity of the owner of the access token in the query.
// It returns ErrUnauthorized when the IDM rejects the token (a 4xx reply).
// Any other failure is returned as an error, and must be treated as a failure of the IDM.
func (c *Client) User(ctx context.Context, q Query) (*types.Identity, error) {
	params := url.Values{}
	params.Set("access_token", q.Token)
	params.Set("app_id", c.appID)
	if q.Decision {
		params.Set("action", q.Action)
		params.Set("resource", q.Resource)
		if len(q.Tenant) > 0 {
			params.Set("authorization_service_header", q.Tenant)
		}
	}
	if q.Authzforce {
		params.Set("authzforce", "true")
	}

	u := c.baseURL + "/user?" + params.Encode()

	return c.breaker.Execute(func() (*types.Identity, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, errl.Errorf("creating request: %w", err)
		}
		req.Header.Set("X-Auth-Token", c.Token())
		req.Header.Set("Accept", "application/json")

		body, err := c.do(req)
		if err != nil {
			return nil, err
		}

		identity := &types.Identity{}
		if err := json.Unmarshal(body, identity); err != nil {
			return nil, errl.Errorf("parsing user reply: %w", err)
		}
		return identity, nil
	})
}

// do sends the request and returns the body of a 2xx reply.
// A 4xx reply is reported as ErrUnauthorized.
func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errl.Errorf("sending request: %s: %w", req.URL.Path, err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, errl.Errorf("failed to read body: %s: %w", req.URL.Path, err)
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode <= 299:
		return body, nil
	case res.StatusCode >= 400 && res.StatusCode <= 499:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, res.StatusCode)
	default:
		return nil, errl.Errorf("IDM request %s: status: %d", req.URL.Path, res.StatusCode)
	}
}
