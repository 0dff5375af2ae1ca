// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package middleware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"gitlab.com/greyxor/slogor"
)

type ctxKey int

const requestIDKey ctxKey = 0

const RequestIDHeader = "X-Request-Id"

// TraceContext is the propagator used for the W3C traceparent / tracestate headers
var TraceContext = propagation.TraceContext{}

// RequestLogger logs every request and its reply. It also assigns a request id, available to
// the handlers with RequestID, and extracts any incoming trace context into the request context.
func RequestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		ctx = TraceContext.Extract(ctx, propagation.HeaderCarrier(r.Header))
		r = r.WithContext(ctx)

		attrs := []any{slog.String("reqid", reqID), slog.String("method", r.Method), slog.String("uri", r.URL.RequestURI())}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		attrs = append(attrs, slog.Int("status", rw.status), slog.Duration("elapsed", time.Since(start)))
		logger.Info("request", attrs...)
	})
}

// RequestID returns the request id as a log attribute
func RequestID(r *http.Request) slog.Attr {
	id, _ := r.Context().Value(requestIDKey).(string)
	return slog.String("reqid", id)
}

// PanicHandler recovers from panics in the handlers, replying with a 500 status code
func PanicHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				slog.Error("recovered from panic", RequestID(r), slogor.Err(err), "stack", string(debug.Stack()))
				ErrorProblem(w, http.StatusInternalServerError, "urn:dx:as:InternalServerError", "Internal Server Error", "unexpected error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorProblem replies with a JSON error body {type, title, detail}
func ErrorProblem(w http.ResponseWriter, statusCode int, errType string, title string, detail string) {
	body := map[string]string{
		"type":   errType,
		"title":  title,
		"detail": detail,
	}
	out, _ := json.Marshal(body)
	ReplyJSON(w, statusCode, out, nil)
}

// ReplyJSON sends a JSON body with the given status code and additional headers
func ReplyJSON(w http.ResponseWriter, statusCode int, data []byte, additionalHeaders map[string]string) {
	h := w.Header()
	h.Set("Content-Type", "application/json;charset=utf-8")
	for k, v := range additionalHeaders {
		h.Set(k, v)
	}
	ResponseSecurityHeaders(w)
	w.WriteHeader(statusCode)
	w.Write(data)
}

// ResponseSecurityHeaders sets the headers which are included in all replies generated by us
func ResponseSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
}

// Renderer is implemented by the template engines used for the HTML pages
type Renderer interface {
	Render(out io.Writer, name string, binding any, layout ...string) error
}

// RenderHTML renders a page with the given layout and returns the status code sent
func RenderHTML(engine Renderer, w http.ResponseWriter, name string, data any, layout string) int {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	ResponseSecurityHeaders(w)

	if err := engine.Render(w, name, data, layout); err != nil {
		slog.Error("rendering page", "page", name, slogor.Err(err))
		http.Error(w, "error rendering page", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Unwrap allows http.ResponseController to reach the Flusher of the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
