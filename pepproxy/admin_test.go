// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pepproxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hesusruiz/pepproxy/pep"
)

func adminGet(t *testing.T, admin *httptest.Server, path string) (int, string) {
	t.Helper()
	res, err := admin.Client().Get(admin.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(body)
}

func TestAdminStatus(t *testing.T) {
	e := newTestEnv(t, withAuthzforce)
	admin := httptest.NewServer(e.proxy.AdminHandler())
	t.Cleanup(admin.Close)

	e.do(t, "GET", "/v2/entities", bearer(aliceToken))

	status, body := adminGet(t, admin, "/admin/api/status")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var st Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("bad status body %q: %v", body, err)
	}
	if st.PDP != "azf" || !st.Authorization || !st.Authenticated || st.CacheEntries != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.IDMBreaker != "closed" {
		t.Errorf("IDM breaker = %s, want closed", st.IDMBreaker)
	}

	status, body = adminGet(t, admin, "/admin/")
	if status != http.StatusOK || !strings.Contains(body, "PEP Proxy") {
		t.Errorf("status page = %d %q", status, body)
	}
}

func TestAdminFlushCache(t *testing.T) {
	e := newTestEnv(t, nil)
	admin := httptest.NewServer(e.proxy.AdminHandler())
	t.Cleanup(admin.Close)

	e.do(t, "GET", "/v2/entities", bearer(aliceToken))
	if e.proxy.cache.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", e.proxy.cache.Len())
	}

	req, _ := http.NewRequest("POST", admin.URL+"/admin/cache/flush", nil)
	req.Header.Set("Accept", "application/json")
	res, err := admin.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("flush status = %d", res.StatusCode)
	}
	if e.proxy.cache.Len() != 0 {
		t.Errorf("cache not flushed")
	}

	// The next request asks the IDM again
	e.do(t, "GET", "/v2/entities", bearer(aliceToken))
	if n := e.idmCalls.Load(); n != 2 {
		t.Errorf("IDM called %d times, want 2", n)
	}
}

func TestAdminMetrics(t *testing.T) {
	e := newTestEnv(t, nil)
	admin := httptest.NewServer(e.proxy.AdminHandler())
	t.Cleanup(admin.Close)

	e.do(t, "GET", "/v2/entities", nil)
	e.do(t, "GET", "/v2/entities", bearer(aliceToken))
	e.do(t, "GET", "/v2/entities", bearer(aliceToken))

	m := e.proxy.metrics
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("deny", string(pep.ReasonMissingToken))); got != 1 {
		t.Errorf("missing token denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("forward", "")); got != 2 {
		t.Errorf("forwards = %v, want 2", got)
	}

	status, body := adminGet(t, admin, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	for _, name := range []string{"pep_proxy_decisions_total", "pep_proxy_cache_entries 1", "pep_proxy_decision_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics without %s", name)
		}
	}
}

func TestAdminLogLevel(t *testing.T) {
	e := newTestEnv(t, nil)
	e.proxy.cfg.LogLevel = new(slog.LevelVar)
	admin := httptest.NewServer(e.proxy.AdminHandler())
	t.Cleanup(admin.Close)

	adminGet(t, admin, "/debug/logson")
	if e.proxy.cfg.LogLevel.Level() != slog.LevelDebug {
		t.Errorf("level = %v after logson", e.proxy.cfg.LogLevel.Level())
	}
	adminGet(t, admin, "/debug/logsoff")
	if e.proxy.cfg.LogLevel.Level() != slog.LevelInfo {
		t.Errorf("level = %v after logsoff", e.proxy.cfg.LogLevel.Level())
	}
}
