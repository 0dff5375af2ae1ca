// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pepproxy

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/template/html/v2"
	"gitlab.com/greyxor/slogor"

	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/middleware"
	"github.com/hesusruiz/pepproxy/internal/sqlogger"
)

//go:embed views/*
var viewsfs embed.FS

// maxLogEntries is the number of log records shown in the logs page
const maxLogEntries = 1000

// Status is a snapshot of the state of the proxy
type Status struct {
	Started       time.Time      `json:"started"`
	App           string         `json:"app"`
	IDM           string         `json:"idm"`
	IDMBreaker    string         `json:"idm_breaker"`
	Authenticated bool           `json:"authenticated"`
	Authorization bool           `json:"authorization"`
	PDP           string         `json:"pdp,omitempty"`
	CacheEntries  int            `json:"cache_entries"`
	PublicPaths   []string       `json:"public_paths"`
	AuthForNginx  bool           `json:"auth_for_nginx"`
	IDMAuthConfig map[string]any `json:"idm_authorization_config,omitempty"`
}

// Status returns the current state of the proxy
func (p *Proxy) Status() Status {
	st := Status{
		Started:       p.started,
		App:           p.cfg.App.URL(),
		IDM:           p.idm.URL(),
		IDMBreaker:    p.idm.BreakerState(),
		Authenticated: p.idm.Token() != "",
		Authorization: p.cfg.Authorization.Enabled,
		CacheEntries:  p.cache.Len(),
		PublicPaths:   p.cfg.PublicPaths,
		AuthForNginx:  p.cfg.AuthForNginx,
		IDMAuthConfig: p.idm.AuthorizationConfig(),
	}
	if p.backend != nil {
		st.PDP = string(p.backend.Kind())
	}
	return st
}

// AdminHandler returns the handler of the admin server
func (p *Proxy) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	addAdminRoutes(p, mux)
	return middleware.PanicHandler(middleware.RequestLogger(slog.Default(), mux))
}

func addAdminRoutes(p *Proxy, mux *http.ServeMux) {

	viewsDir, err := fs.Sub(viewsfs, "views")
	if err != nil {
		panic(err)
	}

	engine := html.NewFileSystem(http.FS(viewsDir), ".hbs")
	if err := engine.Load(); err != nil {
		panic(err)
	}

	mux.Handle("/admin/assets/", http.StripPrefix("/admin/", http.FileServerFS(viewsDir)))

	mux.HandleFunc("GET /admin/{$}",
		func(w http.ResponseWriter, r *http.Request) {

			st := p.Status()
			authConfig, _ := json.MarshalIndent(st.IDMAuthConfig, "", "  ")

			middleware.RenderHTML(engine, w, "index", map[string]any{
				"Title":      "PEP Proxy",
				"Status":     st,
				"AuthConfig": string(authConfig),
			}, "layouts/main")

		})

	mux.HandleFunc("GET /admin/api/status",
		func(w http.ResponseWriter, r *http.Request) {

			out, err := json.Marshal(p.Status())
			if err != nil {
				middleware.ErrorProblem(w, http.StatusInternalServerError, "urn:dx:as:InternalServerError", "error marshalling status", err.Error())
				slog.Error("marshalling status", slogor.Err(err))
				return
			}
			middleware.ReplyJSON(w, http.StatusOK, out, nil)

		})

	mux.HandleFunc("POST /admin/cache/flush",
		func(w http.ResponseWriter, r *http.Request) {

			n := p.cache.Len()
			p.cache.Flush()
			slog.Info("cache flushed", "entries", n)

			if r.Header.Get("Accept") == "application/json" {
				out, _ := json.Marshal(map[string]int{"flushed": n})
				middleware.ReplyJSON(w, http.StatusOK, out, nil)
				return
			}
			http.Redirect(w, r, "/admin/", http.StatusSeeOther)

		})

	mux.HandleFunc("GET /admin/page/logs",
		func(w http.ResponseWriter, r *http.Request) {

			sqlog, ok := slog.Default().Handler().(sqlogger.SQLogHandlerInterface)
			if !ok {
				middleware.ErrorProblem(w, http.StatusInternalServerError, "urn:dx:as:InternalServerError", "error retrieving", "logger is not a SQLogger")
				slog.Error("logger is not a SQLogger")
				return
			}

			entries, err := sqlog.Retrieve(maxLogEntries)
			if err != nil {
				middleware.ErrorProblem(w, http.StatusInternalServerError, "urn:dx:as:InternalServerError", "error retrieving", err.Error())
				slog.Error("retrieving", slogor.Err(err))
				return
			}

			middleware.RenderHTML(engine, w, "logs", map[string]any{
				"Title":      "PEP Proxy logs",
				"LogEntries": entries,
			}, "layouts/main")

		})

	mux.Handle("GET /metrics", p.metrics.Handler())

	// Runtime control of the log level
	mux.HandleFunc("/debug/logson", func(w http.ResponseWriter, r *http.Request) {
		if p.cfg.LogLevel != nil {
			p.cfg.LogLevel.Set(slog.LevelDebug)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug/logsoff", func(w http.ResponseWriter, r *http.Request) {
		if p.cfg.LogLevel != nil {
			p.cfg.LogLevel.Set(slog.LevelInfo)
		}
		w.WriteHeader(http.StatusOK)
	})

}

// AdminServerHandler serves the admin pages and the metrics. It is disabled when the address is empty.
func AdminServerHandler(p *Proxy) (execute func() error, interrupt func(error), err error) {

	addr := p.cfg.AdminAddress
	if addr == "" {
		return nil, nil, errl.Errorf("no address for the admin server")
	}

	s := &http.Server{
		Addr:           addr,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Handler:        p.AdminHandler(),
	}

	startServer := func() error {
		slog.Info("Starting admin server", "addr", addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	stopServer := func(error) {
		slog.Info("Cancelling the admin server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}

	return startServer, stopServer, nil
}
