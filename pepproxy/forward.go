// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pepproxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel/propagation"
	"gitlab.com/greyxor/slogor"

	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/middleware"
	"github.com/hesusruiz/pepproxy/pep"
)

// newUpstream creates the reverse proxy to the protected application.
// Method, path and query are preserved, and the reply of the application is passed back verbatim.
func newUpstream(cfg *config.Config, onError func(http.ResponseWriter, *http.Request, error)) (*httputil.ReverseProxy, error) {

	target, err := url.Parse(cfg.App.URL())
	if err != nil {
		return nil, errl.Errorf("invalid application URL: %w", err)
	}

	rewriteFunc := func(r *httputil.ProxyRequest) {
		r.SetURL(target)
		r.Out.Host = target.Host
		r.Out.Header.Del("Referer")
		r.Out.Header.Del("Origin")
		r.SetXForwarded()

		// Continue the trace of the caller, if any
		middleware.TraceContext.Inject(r.In.Context(), propagation.HeaderCarrier(r.Out.Header))
	}

	return &httputil.ReverseProxy{
		Rewrite:      rewriteFunc,
		ErrorHandler: onError,
	}, nil
}

// upstreamError is called when the application can not be reached
func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("forwarding to the application", middleware.RequestID(r), "app", p.cfg.App.URL(), slogor.Err(err))
	p.metrics.UpstreamError()
	p.replyError(w, http.StatusServiceUnavailable, pep.ReasonInternalError, "Error connecting with the application")
}
