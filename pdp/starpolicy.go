// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hesusruiz/pepproxy/internal/errl"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/repl"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// policyFunction is the function that a custom policy script must define.
// It receives the roles of the user, the request and the application id,
// and returns the XACML request to send to Authzforce, as a string.
const policyFunction = "get_policy"

// starModule has the helper functions available to the scripts
var starModule = &starlarkstruct.Module{
	Name: "star",
	Members: starlark.StringDict{
		"getbody": starlark.NewBuiltin("getbody", getRequestBody),
		"escape":  starlark.NewBuiltin("escape", escapeXML),
	},
}

// StarPolicy is a custom Authzforce policy written in Starlark
type StarPolicy struct {
	scriptname string
	globals    starlark.StringDict
	function   *starlark.Function
}

// NewStarPolicy parses and compiles the script in fileName
func NewStarPolicy(fileName string) (*StarPolicy, error) {
	p := &StarPolicy{scriptname: fileName}
	if err := p.ParseAndCompileFile(); err != nil {
		return nil, errl.Error(err)
	}
	return p, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Load:  repl.MakeLoadOptions(&syntax.FileOptions{}),
		Print: func(_ *starlark.Thread, msg string) { slog.Info("policy => " + msg) },
		Name:  name,
	}
}

// ParseAndCompileFile compiles the script and looks for the policy function.
// The globals are frozen, so the function can be called concurrently, each call in its own thread.
func (p *StarPolicy) ParseAndCompileFile() error {
	predeclared := starlark.StringDict{
		"json": starjson.Module,
		"time": time.Module,
		"math": math.Module,
		"star": starModule,
	}

	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, newThread("exec "+p.scriptname), p.scriptname, nil, predeclared)
	if err != nil {
		return errl.Errorf("compiling policy %s: %w", p.scriptname, err)
	}
	globals.Freeze()

	f, ok := globals[policyFunction]
	if !ok {
		return errl.Errorf("missing definition of %s in %s", policyFunction, p.scriptname)
	}
	function, ok := f.(*starlark.Function)
	if !ok {
		return errl.Errorf("%s: expected a function but got %v", policyFunction, f.Type())
	}

	p.globals = globals
	p.function = function
	return nil
}

// Policy runs the script for the request and returns the XACML request it builds
func (p *StarPolicy) Policy(req *Request) ([]byte, error) {
	thread := newThread("policy " + p.scriptname)

	roles := &starlark.List{}
	for _, r := range req.Roles {
		roles.Append(starlark.String(r))
	}

	httpRequest := &starlark.Dict{}
	if req.HTTPRequest != nil {
		thread.SetLocal("httprequest", req.HTTPRequest)
		httpRequest = StarDictFromHttpRequest(req.HTTPRequest)
	}
	httpRequest.SetKey(starlark.String("action"), starlark.String(req.Action))
	httpRequest.SetKey(starlark.String("resource"), starlark.String(req.Resource))
	httpRequest.SetKey(starlark.String("tenant"), starlark.String(req.Tenant))

	args := starlark.Tuple{roles, httpRequest, starlark.String(req.AppID)}

	result, err := starlark.Call(thread, p.function, args, nil)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			slog.Error("policy error", "backtrace", evalErr.Backtrace())
		}
		return nil, errl.Errorf("calling %s: %w", policyFunction, err)
	}

	s, ok := starlark.AsString(result)
	if !ok {
		return nil, errl.Errorf("%s returned wrong type: %v", policyFunction, result.Type())
	}
	return []byte(s), nil
}

// getRequestBody returns the body of the request being authorized.
// The body is restored so it can still be forwarded.
func getRequestBody(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	r := thread.Local("httprequest")
	request, ok := r.(*http.Request)
	if !ok {
		return starlark.None, fmt.Errorf("no request found in thread locals")
	}
	if request.Body == nil {
		return starlark.String(""), nil
	}

	content, err := io.ReadAll(request.Body)
	if err != nil {
		return nil, err
	}
	request.Body.Close()
	request.Body = io.NopCloser(bytes.NewReader(content))

	return starlark.String(content), nil
}

// escapeXML escapes a string to be included in the XML request
func escapeXML(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	var out strings.Builder
	if err := xml.EscapeText(&out, []byte(s)); err != nil {
		return nil, err
	}
	return starlark.String(out.String()), nil
}

// StarDictFromHttpRequest converts the relevant parts of the request into a Starlark dict
func StarDictFromHttpRequest(request *http.Request) *starlark.Dict {
	dd := &starlark.Dict{}

	dd.SetKey(starlark.String("method"), starlark.String(request.Method))
	dd.SetKey(starlark.String("url"), starlark.String(request.URL.String()))
	dd.SetKey(starlark.String("path"), starlark.String(request.URL.Path))
	dd.SetKey(starlark.String("query"), getDictFromValues(request.URL.Query()))
	dd.SetKey(starlark.String("host"), starlark.String(request.Host))
	dd.SetKey(starlark.String("content_length"), starlark.MakeInt(int(request.ContentLength)))
	dd.SetKey(starlark.String("headers"), getDictFromValues(request.Header))

	return dd
}

func getDictFromValues(values map[string][]string) *starlark.Dict {
	dict := &starlark.Dict{}
	for key, list := range values {
		dict.SetKey(starlark.String(key), getStarlarkList(list))
	}
	return dict
}

func getStarlarkList(values []string) *starlark.List {
	list := &starlark.List{}
	for _, v := range values {
		list.Append(starlark.String(v))
	}
	return list
}
