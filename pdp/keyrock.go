// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"context"

	"github.com/hesusruiz/pepproxy/types"
)

// Keyrock uses the IDM as PDP. The IDM computes the decision when it is asked for the user
// with the action and resource, and the PEP just reads it from the identity.
type Keyrock struct{}

func (k *Keyrock) Kind() Kind           { return KindIdm }
func (k *Keyrock) PayloadEnabled() bool { return false }
func (k *Keyrock) JWTEnabled() bool     { return false }

func (k *Keyrock) CheckPolicies(_ context.Context, req *Request) (bool, error) {
	if req.Identity == nil {
		return false, nil
	}
	return req.Identity.AuthorizationDecision == types.DecisionPermit, nil
}
