// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pdp implements the Policy Decision Points that the PEP can use to authorize requests.
// All of them implement the same Backend interface, and the active one is selected in the configuration.
package pdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/internal/breaker"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/tokencache"
	"github.com/hesusruiz/pepproxy/types"
)

// Kind identifies a Policy Decision Point
type Kind string

const (
	KindIdm        Kind = config.PDPIdm
	KindXacml      Kind = config.PDPXacml
	KindAuthzforce Kind = config.PDPAuthzforce
	KindOpa        Kind = config.PDPOpa
	KindIShare     Kind = config.PDPIShare
)

// ErrNotFound means that the PDP does not know about the application, for example
// because no Authzforce domain has been provisioned for it.
var ErrNotFound = errors.New("authorization endpoint not found")

// errRejected is returned by remote PDPs replying with an HTTP error status, which is a deny
var errRejected = errors.New("request rejected by the PDP")

const DefaultTimeout = 10 * time.Second

// Backend is a Policy Decision Point
type Backend interface {
	Kind() Kind

	// PayloadEnabled tells if the PDP uses the entity ids, types and attributes of the request,
	// so the body must be analysed before calling CheckPolicies.
	PayloadEnabled() bool

	// JWTEnabled tells if the PDP can authorize directly with the claims of a JWT,
	// without asking the IDM for the user.
	JWTEnabled() bool

	// CheckPolicies returns true if the request is permitted
	CheckPolicies(ctx context.Context, req *Request) (bool, error)
}

// Request is the information passed to the PDPs for a decision
type Request struct {
	Roles     []string
	AppID     string
	AzfDomain string

	Action   string
	Resource string
	Tenant   string

	IDs        []string
	IDPatterns []string
	Attrs      []string
	Types      []string

	Identity *types.Identity

	// UserToken is the token presented by the caller, used as key in the cache
	UserToken string

	// PEPToken is the token of the PEP in the IDM
	PEPToken string

	// HTTPRequest is the inbound request, passed to custom policies
	HTTPRequest *http.Request
}

// NewRequest builds the request for the PDP from the identity of the caller and the description of the request
func NewRequest(identity *types.Identity, desc *types.ResourceDescription) *Request {
	req := &Request{
		Identity:   identity,
		Action:     desc.Action,
		Resource:   desc.Resource,
		Tenant:     desc.Tenant,
		IDs:        desc.IDs,
		IDPatterns: desc.IDPatterns,
		Attrs:      desc.Attrs,
		Types:      desc.Types,
	}
	if identity != nil {
		req.Roles = identity.RoleIDs()
		req.AppID = identity.AppID
		req.AzfDomain = identity.AppAzfDomain
	}
	return req
}

// New creates the PDP configured in cfg. The cache is used by the PDPs which record their decisions.
// If client is nil, a client with the default timeout is used.
func New(cfg *config.Config, cache *tokencache.Cache, client *http.Client) (Backend, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	switch Kind(cfg.Authorization.PDP) {
	case KindIdm:
		return &Keyrock{}, nil
	case KindXacml:
		return NewXACML(cfg.Authorization.Endpoint.URL(), client), nil
	case KindOpa:
		return NewOPA(cfg.Authorization.Endpoint.URL(), client), nil
	case KindAuthzforce:
		return NewAuthzforce(cfg.Authorization.Azf.Endpoint.URL(), cfg.Authorization.Azf.CustomPolicy, cache, client)
	case KindIShare:
		return &IShare{}, nil
	default:
		return nil, errl.Errorf("unknown PDP: %s", cfg.Authorization.PDP)
	}
}

// remote is the HTTP client part shared by the PDPs which are remote services
type remote struct {
	client  *http.Client
	breaker *breaker.Breaker[[]byte]
}

func newRemote(name string, client *http.Client) remote {
	return remote{
		client: client,
		breaker: breaker.New[[]byte](name, func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		}),
	}
}

// post sends the body to the PDP and returns the body of the reply.
// HTTP error statuses are reported with errRejected.
func (r remote) post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	return r.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, errl.Errorf("creating request: %s: %w", url, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		res, err := r.client.Do(req)
		if err != nil {
			return nil, errl.Errorf("sending request: %s: %w", url, err)
		}
		replyBody, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, errl.Errorf("failed to read body: %s: %w", url, err)
		}

		if res.StatusCode < 200 || res.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %s: status %d", errRejected, url, res.StatusCode)
		}
		return replyBody, nil
	})
}
