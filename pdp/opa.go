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
)

// OPA asks an Open Policy Agent server
type OPA struct {
	remote
	url string
}

func NewOPA(url string, client *http.Client) *OPA {
	return &OPA{remote: newRemote("opa", client), url: url}
}

func (o *OPA) Kind() Kind           { return KindOpa }
func (o *OPA) PayloadEnabled() bool { return true }
func (o *OPA) JWTEnabled() bool     { return false }

type opaRequest struct {
	AppID      string   `json:"appId"`
	Resource   string   `json:"resource"`
	Roles      []string `json:"roles"`
	Action     string   `json:"action"`
	Tenant     string   `json:"tenant,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	IDPatterns []string `json:"idPatterns,omitempty"`
	Attrs      []string `json:"attrs,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// The decision may come at the top level or inside 'result', as returned by the OPA data API
type opaResponse struct {
	Allow  bool `json:"allow"`
	Result *struct {
		Allow bool `json:"allow"`
	} `json:"result"`
}

func (o *OPA) CheckPolicies(ctx context.Context, req *Request) (bool, error) {
	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	body, err := json.Marshal(opaRequest{
		AppID:      req.AppID,
		Resource:   req.Resource,
		Roles:      roles,
		Action:     req.Action,
		Tenant:     req.Tenant,
		IDs:        req.IDs,
		IDPatterns: req.IDPatterns,
		Attrs:      req.Attrs,
		Types:      req.Types,
	})
	if err != nil {
		return false, errl.Error(err)
	}

	reply, err := o.post(ctx, o.url, map[string]string{
		"X-Auth-Token": req.PEPToken,
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}, body)
	if errors.Is(err, errRejected) {
		slog.Debug("OPA rejected the request", "error", err.Error())
		return false, nil
	}
	if err != nil {
		return false, errl.Error(err)
	}

	var result opaResponse
	if err := json.Unmarshal(reply, &result); err != nil {
		return false, errl.Errorf("parsing OPA reply: %w", err)
	}

	return result.Allow || (result.Result != nil && result.Result.Allow), nil
}
