// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pep decides, for each request received by the proxy, if it is forwarded to the
// protected application or rejected. The caller is authenticated with a JWT or with the IDM,
// and then authorized by the configured Policy Decision Point.
package pep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/idm"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/middleware"
	"github.com/hesusruiz/pepproxy/pdp"
	"github.com/hesusruiz/pepproxy/tokencache"
	"github.com/hesusruiz/pepproxy/types"
	"gitlab.com/greyxor/slogor"
)

type Outcome int

const (
	Forward Outcome = iota
	Deny
	Error
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case Deny:
		return "deny"
	default:
		return "error"
	}
}

// Reason is the type of a denial, sent to the caller in the error reply
type Reason string

const (
	ReasonMissingToken         Reason = "urn:dx:as:MissingAuthenticationToken"
	ReasonExpiredToken         Reason = "urn:dx:as:ExpiredAuthenticationToken"
	ReasonInvalidToken         Reason = "urn:dx:as:InvalidAuthenticationToken"
	ReasonInvalidRole          Reason = "urn:dx:as:InvalidRole"
	ReasonUnauthorizedEndpoint Reason = "urn:dx:as:UnauthorizedEndpoint"
	ReasonInternalError        Reason = "urn:dx:as:InternalServerError"
)

// DenialError is a request rejected because of the caller
type DenialError struct {
	Reason  Reason
	Message string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Status is the HTTP status of the reply to the caller
func (e *DenialError) Status() int {
	if e.Reason == ReasonUnauthorizedEndpoint {
		return http.StatusNotFound
	}
	return http.StatusUnauthorized
}

func deny(reason Reason, message string) *DenialError {
	return &DenialError{Reason: reason, Message: message}
}

// Verdict is the result of the pipeline for a request
type Verdict struct {
	Outcome Outcome

	// Identity of the caller, nil when the magic key was used
	Identity *types.Identity

	// Denial is set when the Outcome is Deny
	Denial *DenialError

	// Err is set when the Outcome is Error
	Err error
}

func forward(identity *types.Identity) Verdict {
	return Verdict{Outcome: Forward, Identity: identity}
}

func denied(d *DenialError) Verdict {
	return Verdict{Outcome: Deny, Denial: d}
}

func failed(err error) Verdict {
	return Verdict{Outcome: Error, Err: err}
}

// IdentityProvider resolves the identity of the owner of a token
type IdentityProvider interface {
	User(ctx context.Context, q idm.Query) (*types.Identity, error)
	Token() string
}

// Pipeline is the decision engine of the proxy. It is safe for concurrent use.
type Pipeline struct {
	cfg     *config.Config
	idm     IdentityProvider
	backend pdp.Backend
	cache   *tokencache.Cache
	jwt     *JWTVerifier
}

// New creates the pipeline. The backend may be nil when authorization is disabled.
func New(cfg *config.Config, provider IdentityProvider, backend pdp.Backend, cache *tokencache.Cache) (*Pipeline, error) {
	if cfg.Authorization.Enabled && backend == nil {
		return nil, errl.Errorf("authorization enabled without a PDP")
	}

	verifier, err := NewJWTVerifier(cfg.PEP.Token)
	if err != nil {
		return nil, errl.Error(err)
	}

	return &Pipeline{
		cfg:     cfg,
		idm:     provider,
		backend: backend,
		cache:   cache,
		jwt:     verifier,
	}, nil
}

// pdpIs tells if authorization is enabled with the given PDP
func (p *Pipeline) pdpIs(kind pdp.Kind) bool {
	return p.cfg.Authorization.Enabled && p.backend != nil && p.backend.Kind() == kind
}

// Decide runs the pipeline for the request. The description has the action, the resource and,
// for PDPs which use it, the entities in the payload of the request.
func (p *Pipeline) Decide(r *http.Request, desc *types.ResourceDescription) Verdict {
	ctx := r.Context()

	token, found := ExtractToken(r)
	if !found {
		return denied(deny(ReasonMissingToken, "Auth-token not found in request header"))
	}

	if len(p.cfg.MagicKey) > 0 && token == p.cfg.MagicKey {
		return forward(nil)
	}

	var jwtExpiry time.Time

	if p.jwt != nil {
		claims, err := p.jwt.Verify(token)
		switch {
		case errors.Is(err, ErrExpired):
			return denied(deny(ReasonExpiredToken, "Invalid token: jwt token has expired"))

		case err != nil:
			// Not a JWT of the application, maybe the IDM knows about it
			slog.Debug("JWT not valid, validating token with the IDM", slogor.Err(err), middleware.RequestID(r))

		default:
			identity := &claims.Identity
			if !p.cfg.Authorization.Enabled {
				return forward(identity)
			}
			if claims.ExpiresAt != nil {
				jwtExpiry = claims.ExpiresAt.Time
			}
			if p.backend.JWTEnabled() {
				// The entry holds the grants of the PDP for the token
				p.cache.Put(token, identity, jwtExpiry)
				return p.authorize(r, token, identity, desc)
			}
		}
	}

	identity, denial, err := p.authenticate(ctx, r, token, jwtExpiry, desc)
	if err != nil {
		return failed(err)
	}
	if denial != nil {
		return denied(denial)
	}

	if !p.cfg.Authorization.Enabled {
		return forward(identity)
	}
	return p.authorize(r, token, identity, desc)
}

// authenticate resolves the identity of the owner of the token, from the cache or asking the IDM
func (p *Pipeline) authenticate(ctx context.Context, r *http.Request, token string, jwtExpiry time.Time, desc *types.ResourceDescription) (*types.Identity, *DenialError, error) {

	idmDecides := p.pdpIs(pdp.KindIdm)

	if identity, ok := p.cache.Get(token); ok {
		// With the IDM as PDP the decision is per action and resource
		if !idmDecides || p.cache.HasGrant(token, desc.Action, desc.Resource) {
			slog.Debug("identity in cache", "user", identity.ID, middleware.RequestID(r))
			if denial := p.checkIdentity(r, identity); denial != nil {
				return nil, denial, nil
			}
			if idmDecides {
				// The grant is a previous Permit of the IDM for this action and resource
				granted := *identity
				granted.AuthorizationDecision = types.DecisionPermit
				identity = &granted
			}
			return identity, nil, nil
		}
	}

	identity, err := p.idm.User(ctx, idm.Query{
		Token:      token,
		Decision:   idmDecides,
		Action:     desc.Action,
		Resource:   desc.Resource,
		Tenant:     desc.Tenant,
		Authzforce: p.pdpIs(pdp.KindAuthzforce),
	})
	if errors.Is(err, idm.ErrUnauthorized) {
		slog.Debug("token rejected by the IDM", slogor.Err(err), middleware.RequestID(r))
		return nil, deny(ReasonInvalidToken, "User not authorized in the application"), nil
	}
	if err != nil {
		return nil, nil, errl.Errorf("checking token with the IDM: %w", err)
	}

	if denial := p.checkIdentity(r, identity); denial != nil {
		return nil, denial, nil
	}

	p.cache.Put(token, identity, jwtExpiry)
	if idmDecides && identity.AuthorizationDecision == types.DecisionPermit {
		p.cache.RecordGrant(token, desc.Action, desc.Resource)
	}

	return identity, nil, nil
}

// checkIdentity verifies that the user belongs to the application of the PEP (or one of the
// trusted applications) and, if enabled, to the organization in the request.
func (p *Pipeline) checkIdentity(r *http.Request, identity *types.Identity) *DenialError {
	appID := identity.AppID
	trusted := appID == p.cfg.PEP.AppID ||
		slices.Contains(identity.TrustedApps, appID) ||
		slices.Contains(p.cfg.PEP.TrustedApps, appID)
	if !trusted {
		slog.Debug("user not authorized in application", "app_id", appID, "pep_app_id", p.cfg.PEP.AppID)
		return deny(ReasonInvalidRole, "User not have the required role in the application")
	}

	if p.cfg.Organizations.Enabled {
		org := r.Header.Get(p.cfg.Organizations.Header)
		if !slices.Contains(identity.OrganizationIDs(), org) {
			slog.Debug("user does not belong to the organization", "organization", org)
			return deny(ReasonInvalidRole, "User does not belong to the organization")
		}
	}

	return nil
}

// authorize asks the PDP for the decision
func (p *Pipeline) authorize(r *http.Request, token string, identity *types.Identity, desc *types.ResourceDescription) Verdict {
	req := pdp.NewRequest(identity, desc)
	req.UserToken = token
	req.PEPToken = p.idm.Token()
	req.HTTPRequest = r

	permit, err := p.backend.CheckPolicies(r.Context(), req)
	if errors.Is(err, pdp.ErrNotFound) {
		return denied(deny(ReasonUnauthorizedEndpoint, "Domain not Found"))
	}
	if err != nil {
		return failed(errl.Errorf("asking the %s PDP: %w", p.backend.Kind(), err))
	}
	if !permit {
		return denied(deny(ReasonInvalidRole, "User access-token not authorized"))
	}

	return forward(identity)
}

// identityHeaders are the headers with the identity of the caller sent to the application
var identityHeaders = []string{
	"X-Nick-Name",
	"X-Display-Name",
	"X-Roles",
	"X-Organizations",
	"X-Eidas-Profile",
	"X-App-Id",
}

// ClearIdentityHeaders removes the identity headers, so a caller can not send them to the application
func ClearIdentityHeaders(h http.Header) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
}

// SetIdentityHeaders adds to the request forwarded to the application the headers with the identity of the caller
func SetIdentityHeaders(h http.Header, identity *types.Identity) {
	if identity == nil {
		return
	}

	h.Set("X-Nick-Name", identity.ID)
	h.Set("X-Display-Name", identity.DisplayName)
	h.Set("X-Roles", jsonHeader(identity.Roles, len(identity.Roles), "[]"))
	h.Set("X-Organizations", jsonHeader(identity.Orgs, len(identity.Orgs), "[]"))
	h.Set("X-Eidas-Profile", jsonHeader(identity.EidasProfile, len(identity.EidasProfile), "{}"))
	h.Set("X-App-Id", identity.AppID)
}

// jsonHeader encodes v, or returns empty when there are no values
func jsonHeader(v any, n int, empty string) string {
	if n == 0 {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}
