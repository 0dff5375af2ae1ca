// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package types

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
)

const DecisionPermit = "Permit"
const DecisionDeny = "Deny"

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Organization struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
	Roles       []Role `json:"roles,omitempty"`
}

// Identity is the caller as resolved by the IDM (the reply to GET /user) or as asserted
// in the claims of a JWT signed with the PEP secret. It is never modified once built.
type Identity struct {
	ID          string         `json:"id"`
	Username    string         `json:"username,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Email       string         `json:"email,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	TrustedApps []string       `json:"trusted_apps,omitempty"`
	Roles       []Role         `json:"roles,omitempty"`
	Orgs        []Organization `json:"organizations,omitempty"`

	EidasProfile map[string]any `json:"eidas_profile,omitempty"`

	// AuthorizationDecision is set by the IDM when it is asked for a decision with action and resource
	AuthorizationDecision string `json:"authorization_decision,omitempty"`

	// AppAzfDomain is the Authzforce domain provisioned for the application of the user
	AppAzfDomain string `json:"app_azf_domain,omitempty"`

	DelegationEvidence    *DelegationEvidence    `json:"delegationEvidence,omitempty"`
	AuthorizationRegistry *AuthorizationRegistry `json:"authorizationRegistry,omitempty"`
}

// IdentityClaims are the claims of a JWT issued for the PEP
type IdentityClaims struct {
	Identity
	jwt.RegisteredClaims
}

// RoleIDs returns the ids of the roles of the user, either assigned directly
// or through any of the organizations of the user, without duplicates.
func (id *Identity) RoleIDs() []string {
	if id == nil {
		return nil
	}
	var roles []string
	for _, org := range id.Orgs {
		for _, r := range org.Roles {
			roles = append(roles, r.ID)
		}
	}
	for _, r := range id.Roles {
		roles = append(roles, r.ID)
	}
	return lo.Uniq(lo.Compact(roles))
}

// OrganizationIDs returns the ids of the organizations of the user
func (id *Identity) OrganizationIDs() []string {
	if id == nil {
		return nil
	}
	return lo.Map(id.Orgs, func(o Organization, _ int) string { return o.ID })
}

// ResourceDescription describes what a request wants to do and on which entities.
// It is built for each request and never cached.
type ResourceDescription struct {
	Action     string
	Resource   string
	Tenant     string
	IDs        []string
	Types      []string
	Attrs      []string
	IDPatterns []string
}
