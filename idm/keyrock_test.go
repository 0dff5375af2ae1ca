// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package idm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hesusruiz/pepproxy/config"
)

const pepToken = "pep-token-1234"
const userToken = "user-token-5678"

// fakeIDM serves the small subset of the Keyrock API used by the client
type fakeIDM struct {
	authFailures atomic.Int32
	authCalls    atomic.Int32
	userCalls    atomic.Int32
	lastQuery    atomic.Value
	userStatus   int
}

func (f *fakeIDM) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keyrock":{"version":"8.4.0"}}`))
	})

	mux.HandleFunc("POST /v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		if f.authFailures.Load() > 0 {
			f.authFailures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("bad credentials body: %v", err)
		}
		if creds["name"] != "pep_user" || creds["password"] != "pep_pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Subject-Token", pepToken)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"idm_authorization_config":{"level":"basic","authzforce":false}}`))
	})

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		f.userCalls.Add(1)
		f.lastQuery.Store(r.URL.Query())
		if r.Header.Get("X-Auth-Token") != pepToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.userStatus != 0 {
			w.WriteHeader(f.userStatus)
			return
		}
		if r.URL.Query().Get("access_token") != userToken {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Invalid token"}}`))
			return
		}
		reply := `{"id":"alice","displayName":"Alice","app_id":"app1","roles":[{"id":"admin"}]`
		if r.URL.Query().Get("action") != "" {
			reply += `,"authorization_decision":"Permit"`
		}
		reply += `}`
		w.Write([]byte(reply))
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeIDM) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())

	cfg := config.Default()
	cfg.IDM = config.Endpoint{Host: u.Hostname(), Port: port}
	cfg.PEP.AppID = "app1"
	cfg.PEP.Username = "pep_user"
	cfg.PEP.Password = "pep_pass"

	c := New(cfg, server.Client())
	c.retryInterval = time.Millisecond
	return c, server
}

func TestCheckConnection(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	version, err := c.CheckConnection(context.Background())
	if err != nil {
		t.Fatalf("CheckConnection() error = %v", err)
	}
	if version["keyrock"] == nil {
		t.Errorf("CheckConnection() = %v, missing keyrock", version)
	}
}

func TestAuthenticate(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if c.Token() != pepToken {
		t.Errorf("Token() = %q, want %q", c.Token(), pepToken)
	}
	if c.AuthorizationConfig()["level"] != "basic" {
		t.Errorf("AuthorizationConfig() = %v", c.AuthorizationConfig())
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	c.password = "wrong"
	if err := c.Authenticate(context.Background()); err == nil {
		t.Fatalf("Authenticate() with bad credentials succeeded")
	}
	if c.Token() != "" {
		t.Errorf("Token() = %q, want empty", c.Token())
	}
}

func TestAuthenticateWithRetry(t *testing.T) {
	f := &fakeIDM{}
	f.authFailures.Store(3)
	c, _ := newTestClient(t, f)

	if err := c.AuthenticateWithRetry(context.Background()); err != nil {
		t.Fatalf("AuthenticateWithRetry() error = %v", err)
	}
	if got := f.authCalls.Load(); got != 4 {
		t.Errorf("authentication calls = %d, want 4", got)
	}
}

func TestAuthenticateWithRetryExhausted(t *testing.T) {
	f := &fakeIDM{}
	f.authFailures.Store(100)
	c, _ := newTestClient(t, f)

	if err := c.AuthenticateWithRetry(context.Background()); err == nil {
		t.Fatalf("AuthenticateWithRetry() succeeded, want error")
	}
	if got := f.authCalls.Load(); got != authRetries {
		t.Errorf("authentication calls = %d, want %d", got, authRetries)
	}
}

func TestUser(t *testing.T) {
	tests := []struct {
		name         string
		query        Query
		wantDecision string
		wantParams   map[string]string
		absentParams []string
	}{
		{
			name:         "identity only",
			query:        Query{Token: userToken},
			wantParams:   map[string]string{"access_token": userToken, "app_id": "app1"},
			absentParams: []string{"action", "resource", "authzforce"},
		},
		{
			name:         "idm decision",
			query:        Query{Token: userToken, Decision: true, Action: "GET", Resource: "/v2/entities", Tenant: "smartcity"},
			wantDecision: "Permit",
			wantParams: map[string]string{
				"action":                       "GET",
				"resource":                     "/v2/entities",
				"authorization_service_header": "smartcity",
			},
		},
		{
			name:         "authzforce domain",
			query:        Query{Token: userToken, Authzforce: true},
			wantParams:   map[string]string{"authzforce": "true"},
			absentParams: []string{"action"},
		},
	}

	f := &fakeIDM{}
	c, _ := newTestClient(t, f)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := c.User(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("User() error = %v", err)
			}
			if identity.ID != "alice" || identity.AppID != "app1" {
				t.Errorf("User() = %+v", identity)
			}
			if identity.AuthorizationDecision != tt.wantDecision {
				t.Errorf("AuthorizationDecision = %q, want %q", identity.AuthorizationDecision, tt.wantDecision)
			}
			q := f.lastQuery.Load().(url.Values)
			for k, v := range tt.wantParams {
				if q.Get(k) != v {
					t.Errorf("param %s = %q, want %q", k, q.Get(k), v)
				}
			}
			for _, k := range tt.absentParams {
				if q.Has(k) {
					t.Errorf("param %s present, want absent", k)
				}
			}
		})
	}
}

func TestUserRejected(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.User(context.Background(), Query{Token: "bad-token"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("User() error = %v, want ErrUnauthorized", err)
	}
}

func TestUserIDMFailure(t *testing.T) {
	f := &fakeIDM{userStatus: http.StatusInternalServerError}
	c, _ := newTestClient(t, f)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.User(context.Background(), Query{Token: userToken})
	if err == nil {
		t.Fatalf("User() succeeded with a failing IDM")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Errorf("User() error = %v, must not be ErrUnauthorized", err)
	}
}

func TestUserCancelled(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.User(ctx, Query{Token: userToken})
	if err == nil || errors.Is(err, ErrUnauthorized) {
		t.Errorf("User() with cancelled context error = %v", err)
	}
}

func TestUserCancelledKeepsBreakerClosed(t *testing.T) {
	c, _ := newTestClient(t, &fakeIDM{})
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 20 {
		if _, err := c.User(ctx, Query{Token: "bogus"}); !errors.Is(err, context.Canceled) {
			t.Fatalf("User() error = %v, want context.Canceled", err)
		}
	}

	if c.BreakerState() != "closed" {
		t.Fatalf("BreakerState() = %s after cancelled requests, want closed", c.BreakerState())
	}
	identity, err := c.User(context.Background(), Query{Token: userToken})
	if err != nil || identity.ID != "alice" {
		t.Errorf("User() = %v, %v, want alice", identity, err)
	}
}
