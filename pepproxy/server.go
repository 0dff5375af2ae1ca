// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pepproxy is the HTTP front of the PEP Proxy. Requests to public paths are forwarded
// directly to the protected application, all others only after the pep pipeline permits them.
// A second server, bound to localhost by default, has the admin pages and the metrics.
package pepproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"text/template"
	"time"

	"github.com/rs/cors"

	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/idm"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/middleware"
	"github.com/hesusruiz/pepproxy/pdp"
	"github.com/hesusruiz/pepproxy/pep"
	"github.com/hesusruiz/pepproxy/tokencache"
)

// Proxy has the components shared by the proxy server and the admin server
type Proxy struct {
	cfg      *config.Config
	idm      *idm.Client
	backend  pdp.Backend
	cache    *tokencache.Cache
	pipeline *pep.Pipeline
	metrics  *Metrics
	upstream *httputil.ReverseProxy
	errorTpl *template.Template
	started  time.Time
}

// New creates the proxy from the configuration. Nothing is contacted until the servers start.
func New(cfg *config.Config) (*Proxy, error) {
	client := &http.Client{Timeout: idm.DefaultTimeout}
	return newProxy(cfg, idm.New(cfg, client), client)
}

func newProxy(cfg *config.Config, idmClient *idm.Client, client *http.Client) (*Proxy, error) {
	cache := tokencache.New(cfg.CacheDuration())

	var backend pdp.Backend
	if cfg.Authorization.Enabled {
		b, err := pdp.New(cfg, cache, client)
		if err != nil {
			return nil, errl.Error(err)
		}
		backend = b
		slog.Info("authorization enabled", "pdp", backend.Kind())
	}

	pipeline, err := pep.New(cfg, idmClient, backend, cache)
	if err != nil {
		return nil, errl.Error(err)
	}

	errorTpl, err := template.New("error").Parse(cfg.ErrorTemplate)
	if err != nil {
		return nil, errl.Errorf("parsing error template: %w", err)
	}

	p := &Proxy{
		cfg:      cfg,
		idm:      idmClient,
		backend:  backend,
		cache:    cache,
		pipeline: pipeline,
		metrics:  NewMetrics(cache),
		errorTpl: errorTpl,
		started:  time.Now(),
	}

	p.upstream, err = newUpstream(cfg, p.upstreamError)
	if err != nil {
		return nil, errl.Error(err)
	}

	return p, nil
}

// Handler returns the handler of the proxy server, with all the middleware
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()

	addProxyRoutes(p, mux)

	var handler http.Handler = mux

	if p.cfg.CORS.Enabled {
		handler = cors.New(corsOptions(p.cfg.CORS)).Handler(handler)
	}

	// Log all requests and replies
	handler = middleware.RequestLogger(slog.Default(), handler)

	// Recovery of panics in the routes
	handler = middleware.PanicHandler(handler)

	return handler
}

func corsOptions(c config.CORSConfig) cors.Options {
	return cors.Options{
		AllowedOrigins:       c.AllowedOrigins,
		AllowedMethods:       c.AllowedMethods,
		AllowedHeaders:       c.AllowedHeaders,
		AllowCredentials:     c.AllowCredentials,
		OptionsPassthrough:   c.OptionsPassthrough,
		OptionsSuccessStatus: c.OptionsSuccessStatus,
		MaxAge:               c.MaxAge,
	}
}

// PEPServerHandler is the HTTP server enforcing the access policies in front of the application.
//
// Before listening, the PEP authenticates itself against the IDM, retrying for a while so
// the proxy can be started together with the IDM. The PEP token is needed to ask the IDM about users.
func PEPServerHandler(p *Proxy) (execute func() error, interrupt func(error), err error) {

	cfg := p.cfg

	// An HTTP server with sensible defaults (no need to make them configurable)
	s := &http.Server{
		Addr:           cfg.ListenAddress(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Handler:        p.Handler(),
	}
	if cfg.HTTPS.Enabled {
		s.Addr = fmt.Sprintf(":%d", cfg.HTTPS.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())

	startServer := func() error {

		if err := p.idm.AuthenticateWithRetry(ctx); err != nil {
			return errl.Errorf("authenticating the PEP Proxy with the IDM: %w", err)
		}

		if cfg.HTTPS.Enabled {
			slog.Info("Starting PEP Proxy (HTTPS)", "addr", s.Addr, "app", cfg.App.URL())
			err := s.ListenAndServeTLS(cfg.HTTPS.CertFile, cfg.HTTPS.KeyFile)
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}

		slog.Info("Starting PEP Proxy", "addr", s.Addr, "app", cfg.App.URL())
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	stopServer := func(error) {
		cancel()
		slog.Info("Cancelling the PEP Proxy server")
		// Give 10 seconds to the server to clean up orderly
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}

	return startServer, stopServer, nil
}

// isPublic reports if the path is in the list of public paths.
// A path ending in '*' is a prefix.
func (p *Proxy) isPublic(path string) bool {
	for _, pp := range p.cfg.PublicPaths {
		if prefix, ok := strings.CutSuffix(pp, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == pp {
			return true
		}
	}
	return false
}
