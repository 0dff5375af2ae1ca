// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/tokencache"
	"github.com/hesusruiz/pepproxy/types"
)

const (
	xacmlNamespace    = "urn:oasis:names:tc:xacml:3.0:core:schema:wd-17"
	xacmlStringType   = "http://www.w3.org/2001/XMLSchema#string"
	categorySubject   = "urn:oasis:names:tc:xacml:1.0:subject-category:access-subject"
	categoryResource  = "urn:oasis:names:tc:xacml:3.0:attribute-category:resource"
	categoryAction    = "urn:oasis:names:tc:xacml:3.0:attribute-category:action"
	categoryEnvironmt = "urn:oasis:names:tc:xacml:3.0:attribute-category:environment"
)

// Authzforce asks the Authzforce domain provisioned by the IDM for the application.
// Decisions for the default policy (HTTP verb and path) are recorded in the cache.
type Authzforce struct {
	remote
	baseURL string
	cache   *tokencache.Cache
	custom  *StarPolicy
}

// NewAuthzforce creates the PDP. When customPolicy is not empty, it is the name of a Starlark file
// which builds the XACML request instead of the default policy.
func NewAuthzforce(baseURL string, customPolicy string, cache *tokencache.Cache, client *http.Client) (*Authzforce, error) {
	a := &Authzforce{
		remote:  newRemote("authzforce", client),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cache:   cache,
	}
	if len(customPolicy) > 0 {
		policy, err := NewStarPolicy(customPolicy)
		if err != nil {
			return nil, errl.Error(err)
		}
		a.custom = policy
	}
	return a, nil
}

func (a *Authzforce) Kind() Kind           { return KindAuthzforce }
func (a *Authzforce) PayloadEnabled() bool { return false }
func (a *Authzforce) JWTEnabled() bool     { return true }

// The XACML 3.0 request in XML
type xacmlRequest struct {
	XMLName            xml.Name          `xml:"Request"`
	Xmlns              string            `xml:"xmlns,attr"`
	CombinedDecision   bool              `xml:"CombinedDecision,attr"`
	ReturnPolicyIdList bool              `xml:"ReturnPolicyIdList,attr"`
	Attributes         []xacmlAttributes `xml:"Attributes"`
}

type xacmlAttributes struct {
	Category  string          `xml:"Category,attr"`
	Attribute []xacmlXMLValue `xml:"Attribute"`
}

type xacmlXMLValue struct {
	AttributeId     string       `xml:"AttributeId,attr"`
	IncludeInResult bool         `xml:"IncludeInResult,attr"`
	Values          []xacmlValue `xml:"AttributeValue"`
}

type xacmlValue struct {
	DataType string `xml:"DataType,attr"`
	Value    string `xml:",chardata"`
}

// Element names without namespace match any namespace or prefix
type xacmlResponse struct {
	Results []struct {
		Decision string `xml:"Decision"`
	} `xml:"Result"`
}

func stringValues(values ...string) []xacmlValue {
	list := make([]xacmlValue, 0, len(values))
	for _, v := range values {
		list = append(list, xacmlValue{DataType: xacmlStringType, Value: v})
	}
	return list
}

// RESTPolicy builds the default XACML request: the roles of the user, the application,
// the path of the request and the HTTP verb.
func RESTPolicy(roles []string, action string, resource string, appID string) ([]byte, error) {
	subject := xacmlAttributes{Category: categorySubject}

	// An Attribute requires at least one AttributeValue
	if len(roles) > 0 {
		subject.Attribute = []xacmlXMLValue{{
			AttributeId: attrSubjectRole,
			Values:      stringValues(roles...),
		}}
	}

	request := xacmlRequest{
		Xmlns: xacmlNamespace,
		Attributes: []xacmlAttributes{
			subject,
			{
				Category: categoryResource,
				Attribute: []xacmlXMLValue{
					{AttributeId: attrResourceID, Values: stringValues(appID)},
					{AttributeId: attrSubResourceID, Values: stringValues(resource)},
				},
			},
			{
				Category: categoryAction,
				Attribute: []xacmlXMLValue{
					{AttributeId: attrActionID, Values: stringValues(action)},
				},
			},
			{Category: categoryEnvironmt},
		},
	}

	out, err := xml.Marshal(request)
	if err != nil {
		return nil, errl.Error(err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (a *Authzforce) CheckPolicies(ctx context.Context, req *Request) (bool, error) {
	if len(req.AzfDomain) == 0 {
		return false, errl.Errorf("AZF domain not created for application %s: %w", req.AppID, ErrNotFound)
	}

	if a.cache != nil && a.cache.HasGrant(req.UserToken, req.Action, req.Resource) {
		slog.Debug("permission in cache", "action", req.Action, "resource", req.Resource)
		return true, nil
	}

	var body []byte
	var err error
	if a.custom != nil {
		body, err = a.custom.Policy(req)
	} else {
		body, err = RESTPolicy(req.Roles, req.Action, req.Resource, req.AppID)
	}
	if err != nil {
		return false, errl.Error(err)
	}

	u := a.baseURL + "/authzforce-ce/domains/" + url.PathEscape(req.AzfDomain) + "/pdp"
	reply, err := a.post(ctx, u, map[string]string{
		"X-Auth-Token": req.UserToken,
		"Accept":       "application/xml",
		"Content-Type": "application/xml",
	}, body)
	if errors.Is(err, errRejected) {
		slog.Debug("Authzforce rejected the request", "error", err.Error())
		return false, nil
	}
	if err != nil {
		return false, errl.Error(err)
	}

	var result xacmlResponse
	if err := xml.Unmarshal(reply, &result); err != nil {
		return false, errl.Errorf("parsing Authzforce reply: %w", err)
	}
	if len(result.Results) == 0 {
		return false, errl.Errorf("Authzforce reply without Result")
	}

	permit := strings.Contains(result.Results[0].Decision, types.DecisionPermit)
	if permit && a.custom == nil && a.cache != nil {
		a.cache.RecordGrant(req.UserToken, req.Action, req.Resource)
	}

	return permit, nil
}
