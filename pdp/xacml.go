// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/types"
)

// XACML attribute identifiers
const (
	attrSubjectRole    = "urn:oasis:names:tc:xacml:2.0:subject:role"
	attrActionID       = "urn:oasis:names:tc:xacml:1.0:action:action-id"
	attrResourceID     = "urn:oasis:names:tc:xacml:1.0:resource:resource-id"
	attrSubResourceID  = "urn:thales:xacml:2.0:resource:sub-resource-id"
	attrTenant         = "urn:ngsi-ld:resource:tenant"
	attrEntityTypes    = "urn:ngsi-ld:resource:types"
	attrEntityAttrs    = "urn:ngsi-ld:resource:attrs"
	attrEntityIDs      = "urn:ngsi-ld:resource:ids"
	attrEntityPatterns = "urn:ngsi-ld:resource:id-patterns"
)

// XACML sends a JSON XACML request to a remote PDP
type XACML struct {
	remote
	url string
}

func NewXACML(url string, client *http.Client) *XACML {
	return &XACML{remote: newRemote("xacml", client), url: url}
}

func (x *XACML) Kind() Kind           { return KindXacml }
func (x *XACML) PayloadEnabled() bool { return true }
func (x *XACML) JWTEnabled() bool     { return false }

type xacmlAttribute struct {
	AttributeId string `json:"AttributeId"`
	Value       any    `json:"Value"`
}

type xacmlCategory struct {
	Attribute []xacmlAttribute `json:"Attribute"`
}

type xacmlJSONRequest struct {
	Request struct {
		AccessSubject xacmlCategory `json:"AccessSubject"`
		Action        xacmlCategory `json:"Action"`
		Resource      xacmlCategory `json:"Resource"`
	} `json:"Request"`
}

type xacmlJSONResponse struct {
	Response []struct {
		Decision string `json:"Decision"`
	} `json:"Response"`
}

func xacmlJSONPolicy(req *Request) *xacmlJSONRequest {
	p := &xacmlJSONRequest{}

	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	p.Request.AccessSubject.Attribute = []xacmlAttribute{{attrSubjectRole, roles}}
	p.Request.Action.Attribute = []xacmlAttribute{{attrActionID, req.Action}}

	resource := []xacmlAttribute{
		{attrSubResourceID, req.Resource},
		{attrResourceID, req.AppID},
	}
	if len(req.Tenant) > 0 {
		resource = append(resource, xacmlAttribute{attrTenant, req.Tenant})
	}
	if len(req.Types) > 0 {
		resource = append(resource, xacmlAttribute{attrEntityTypes, req.Types})
	}
	if len(req.Attrs) > 0 {
		resource = append(resource, xacmlAttribute{attrEntityAttrs, req.Attrs})
	}
	if len(req.IDs) > 0 {
		resource = append(resource, xacmlAttribute{attrEntityIDs, req.IDs})
	}
	if len(req.IDPatterns) > 0 {
		resource = append(resource, xacmlAttribute{attrEntityPatterns, req.IDPatterns})
	}
	p.Request.Resource.Attribute = resource

	return p
}

func (x *XACML) CheckPolicies(ctx context.Context, req *Request) (bool, error) {
	body, err := json.Marshal(xacmlJSONPolicy(req))
	if err != nil {
		return false, errl.Error(err)
	}

	reply, err := x.post(ctx, x.url, map[string]string{
		"X-Auth-Token": req.PEPToken,
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}, body)
	if errors.Is(err, errRejected) {
		slog.Debug("XACML PDP rejected the request", "error", err.Error())
		return false, nil
	}
	if err != nil {
		return false, errl.Error(err)
	}

	var result xacmlJSONResponse
	if err := json.Unmarshal(reply, &result); err != nil {
		return false, errl.Errorf("parsing XACML reply: %w", err)
	}
	if len(result.Response) == 0 {
		return false, errl.Errorf("XACML reply without Response")
	}

	return result.Response[0].Decision == types.DecisionPermit, nil
}
