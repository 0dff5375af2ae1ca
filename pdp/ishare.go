// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hesusruiz/pepproxy/types"
)

// IShare evaluates locally the iShare delegation evidence embedded in the identity of the caller
type IShare struct {
	// now can be replaced in tests
	now func() time.Time
}

func (s *IShare) Kind() Kind           { return KindIShare }
func (s *IShare) PayloadEnabled() bool { return true }
func (s *IShare) JWTEnabled() bool     { return true }

func (s *IShare) CheckPolicies(_ context.Context, req *Request) (bool, error) {
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	var evidence *types.DelegationEvidence
	if req.Identity != nil {
		evidence = req.Identity.DelegationEvidence
	}
	return EvaluateDelegation(evidence, req, now), nil
}

// EvaluateDelegation checks the request against the delegation evidence at the given time.
func EvaluateDelegation(evidence *types.DelegationEvidence, req *Request, now time.Time) bool {
	if evidence == nil || len(evidence.PolicySets) == 0 {
		slog.Debug("no iShare policy found")
		return false
	}

	unix := now.Unix()
	if unix < evidence.NotBefore {
		slog.Debug("iShare policy not yet valid", "notBefore", evidence.NotBefore)
		return false
	}
	if unix >= evidence.NotOnOrAfter {
		slog.Debug("iShare policy expired", "notOnOrAfter", evidence.NotOnOrAfter)
		return false
	}

	// Without types in the request, a single candidate with no type is checked
	candidates := req.Types
	if len(candidates) == 0 {
		candidates = []string{""}
	}

	for _, typ := range candidates {
		if !typeAllowed(evidence.PolicySets, typ, req) {
			slog.Debug("iShare policy disallows the request", "type", typ, "action", req.Action)
			return false
		}
	}
	return true
}

// typeAllowed tells if some policy of some policy set contributes true for the candidate type
func typeAllowed(sets []types.PolicySet, typ string, req *Request) bool {
	for _, set := range sets {
		for _, policy := range set.Policies {
			permit := len(policy.Rules) > 0 && policy.Rules[0].Effect == types.ISharePermitEffect

			// A policy which does not fire contributes the negation of its effect
			if policyFires(&policy, typ, req) {
				if permit {
					return true
				}
			} else if !permit {
				return true
			}
		}
	}
	return false
}

func policyFires(policy *types.Policy, typ string, req *Request) bool {
	target := policy.Target
	if target == nil {
		return true
	}

	if len(target.Actions) > 0 {
		if !slices.ContainsFunc(target.Actions, func(a string) bool { return strings.EqualFold(a, req.Action) }) {
			return false
		}
	}

	res := target.Resource
	if res == nil {
		return true
	}

	if len(res.Type) > 0 && (len(typ) == 0 || typ != res.Type) {
		return false
	}

	if len(res.Identifiers) > 0 {
		for _, id := range req.IDs {
			if !matchesAny(res.Identifiers, id) {
				return false
			}
		}
		for _, pattern := range req.IDPatterns {
			if !slices.Contains(res.Identifiers, pattern) {
				return false
			}
		}
	}

	if len(res.Attributes) > 0 {
		for _, attr := range req.Attrs {
			if !matchesAny(res.Attributes, attr) {
				return false
			}
		}
	}

	return true
}

// matchesAny tells if s matches some of the patterns, as an unanchored case-insensitive regular expression.
// Invalid patterns never match.
func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Debug("invalid regular expression in iShare policy", "pattern", p)
			continue
		}
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
