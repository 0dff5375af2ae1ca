// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pepproxy

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	slogformatter "github.com/samber/slog-formatter"
	"gitlab.com/greyxor/slogor"

	"github.com/hesusruiz/pepproxy/internal/middleware"
	"github.com/hesusruiz/pepproxy/payload"
	"github.com/hesusruiz/pepproxy/pep"
	"github.com/hesusruiz/pepproxy/types"
)

// maxBodySize is the maximum size of a body read for the analysis of the payload
const maxBodySize = 10 << 20

var errBodyTooLarge = errors.New("request body too large")

func addProxyRoutes(p *Proxy, mux *http.ServeMux) {

	logger := slog.New(
		slogformatter.NewFormatterHandler(
			slogformatter.HTTPRequestFormatter(false),
			slogformatter.HTTPResponseFormatter(false),
		)(
			slog.Default().Handler(),
		),
	)

	// All requests, whatever the method and path, are for the application
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {

		// Only the proxy sets the identity of the caller
		pep.ClearIdentityHeaders(r.Header)

		if p.isPublic(r.URL.Path) {
			logger.Debug("public path", middleware.RequestID(r), "path", r.URL.Path)
			p.upstream.ServeHTTP(w, r)
			return
		}

		desc := &types.ResourceDescription{
			Action:   r.Method,
			Resource: r.URL.Path,
		}
		if header := p.cfg.Authorization.Header; header != "" {
			desc.Tenant = r.Header.Get(header)
		}

		if p.backend != nil && p.backend.PayloadEnabled() {
			body, err := readBody(r)
			if errors.Is(err, errBodyTooLarge) {
				logger.Info("body too large for the analysis of the payload", middleware.RequestID(r), "length", r.ContentLength)
				p.replyError(w, http.StatusRequestEntityTooLarge, pep.ReasonInternalError, "Request body too large")
				return
			}
			if err != nil {
				logger.Error("reading body", middleware.RequestID(r), slogor.Err(err))
				p.replyError(w, http.StatusBadRequest, pep.ReasonInternalError, "Error reading the request body")
				return
			}
			payload.Analyse(r.Method, r.URL.Path, r.URL.Query(), body).Apply(desc)
		}

		start := time.Now()
		verdict := p.pipeline.Decide(r, desc)
		p.metrics.Observe(verdict, time.Since(start))

		switch verdict.Outcome {
		case pep.Deny:
			logger.Info("denied", middleware.RequestID(r), "reason", verdict.Denial.Reason, "detail", verdict.Denial.Message)
			if verdict.Denial.Reason == pep.ReasonMissingToken {
				w.Header().Set("WWW-Authenticate", "IDM uri = "+p.idm.URL())
			}
			p.replyError(w, verdict.Denial.Status(), verdict.Denial.Reason, verdict.Denial.Message)
			return

		case pep.Error:
			logger.Error("authorization services not available", middleware.RequestID(r), slogor.Err(verdict.Err))
			p.replyError(w, http.StatusServiceUnavailable, pep.ReasonInternalError, "Error connecting with the authorization services")
			return
		}

		if p.cfg.AuthForNginx {
			logger.Debug("permitted", middleware.RequestID(r))
			middleware.ResponseSecurityHeaders(w)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		pep.SetIdentityHeaders(r.Header, verdict.Identity)
		p.upstream.ServeHTTP(w, r)
	})

}

// readBody returns the body of the request and restores it, so it can be forwarded later.
// Bodies bigger than maxBodySize are not read entirely and return errBodyTooLarge.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > maxBodySize {
		return nil, errBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, errBodyTooLarge
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// errorData is what the error template receives
type errorData struct {
	Type    string
	Title   string
	Message string
}

// replyError sends the error reply with the configured template and content type
func (p *Proxy) replyError(w http.ResponseWriter, status int, reason pep.Reason, message string) {
	w.Header().Set("Content-Type", p.cfg.ErrorContentType)
	middleware.ResponseSecurityHeaders(w)
	w.WriteHeader(status)
	w.Write(renderError(p.errorTpl, status, reason, message))
}

func renderError(tpl *template.Template, status int, reason pep.Reason, message string) []byte {
	var buf bytes.Buffer
	data := errorData{
		Type:    string(reason),
		Title:   http.StatusText(status),
		Message: escapeQuotes(message),
	}
	if err := tpl.Execute(&buf, data); err != nil {
		slog.Error("rendering error template", slogor.Err(err))
		return []byte(message)
	}
	return buf.Bytes()
}

// escapeQuotes keeps the message valid inside the quotes of a JSON template
func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
