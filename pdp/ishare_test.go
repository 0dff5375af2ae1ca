// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdp

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hesusruiz/pepproxy/types"
)

var testNow = time.Unix(1_700_000_000, 0)

// sensorEvidence permits GET, PATCH and POST on TemperatureSensor entities, and GET on SoilSensor entities
func sensorEvidence(now time.Time) *types.DelegationEvidence {
	return &types.DelegationEvidence{
		NotBefore:    now.Unix() - 2000,
		NotOnOrAfter: now.Unix() + 2000,
		PolicyIssuer: "EU.EORI.NLPACKETDEL",
		Target:       types.DelegationTarget{AccessSubject: "EU.EORI.NLNOCHEAPER"},
		PolicySets: []types.PolicySet{{
			MaxDelegationDepth: 1,
			Target: &types.PolicySetTarget{
				Environment: &types.PolicySetEnvironment{Licenses: []string{"ISHARE.0001"}},
			},
			Policies: []types.Policy{
				{
					Target: &types.PolicyTarget{
						Resource: &types.Resource{
							Type:        "TemperatureSensor",
							Identifiers: []string{"urn:ngsi-ld:.*"},
							Attributes:  []string{".*"},
						},
						Actions: []string{"GET", "PATCH", "POST"},
					},
					Rules: []types.Rule{{Effect: "Permit"}},
				},
				{
					Target: &types.PolicyTarget{
						Resource: &types.Resource{
							Type:        "SoilSensor",
							Identifiers: []string{".*"},
							Attributes:  []string{".*"},
						},
						Actions: []string{"GET"},
					},
					Rules: []types.Rule{{Effect: "Permit"}},
				},
			},
		}},
	}
}

func TestEvaluateDelegation(t *testing.T) {
	tests := []struct {
		name     string
		evidence *types.DelegationEvidence
		req      Request
		want     bool
	}{
		{
			name:     "temperature sensor get",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}, IDs: []string{"urn:ngsi-ld:TemperatureSensor:002"}},
			want:     true,
		},
		{
			name:     "action compared case-insensitively",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "patch", Types: []string{"TemperatureSensor"}},
			want:     true,
		},
		{
			name:     "soil sensor get",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"SoilSensor"}, IDs: []string{"urn:ngsi-ld:SoilSensor:1111"}},
			want:     true,
		},
		{
			name:     "soil sensor delete",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "DELETE", Types: []string{"SoilSensor"}},
			want:     false,
		},
		{
			name:     "unknown type",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"Tractor"}, IDs: []string{"urn:ngsi-ld:Tractor:1111"}},
			want:     false,
		},
		{
			name:     "every type must be allowed",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "POST", Types: []string{"TemperatureSensor", "SoilSensor"}},
			want:     false,
		},
		{
			name:     "no type with typed policies",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET"},
			want:     false,
		},
		{
			name:     "id does not match identifiers",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}, IDs: []string{"urn:ngsi-ld:A:1", "other:1"}},
			want:     false,
		},
		{
			name:     "id matched case-insensitively",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}, IDs: []string{"URN:NGSI-LD:TemperatureSensor:9"}},
			want:     true,
		},
		{
			name:     "id pattern equal to an identifier",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}, IDPatterns: []string{"urn:ngsi-ld:.*"}},
			want:     true,
		},
		{
			name:     "id pattern is not matched as a regex",
			evidence: sensorEvidence(testNow),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}, IDPatterns: []string{"urn:ngsi-ld:Temp.*"}},
			want:     false,
		},
		{
			name:     "no evidence",
			evidence: nil,
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}},
			want:     false,
		},
		{
			name:     "no policy sets",
			evidence: &types.DelegationEvidence{NotBefore: testNow.Unix() - 10, NotOnOrAfter: testNow.Unix() + 10},
			req:      Request{Action: "GET"},
			want:     false,
		},
		{
			name:     "expired",
			evidence: sensorEvidence(testNow.Add(-time.Hour)),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}},
			want:     false,
		},
		{
			name:     "not yet valid",
			evidence: sensorEvidence(testNow.Add(time.Hour)),
			req:      Request{Action: "GET", Types: []string{"TemperatureSensor"}},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateDelegation(tt.evidence, &tt.req, testNow); got != tt.want {
				t.Errorf("EvaluateDelegation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateDelegationBoundaries(t *testing.T) {
	ev := sensorEvidence(testNow)
	req := &Request{Action: "GET", Types: []string{"TemperatureSensor"}}

	if !EvaluateDelegation(ev, req, time.Unix(ev.NotBefore, 0)) {
		t.Errorf("evidence must be valid at notBefore")
	}
	if EvaluateDelegation(ev, req, time.Unix(ev.NotOnOrAfter, 0)) {
		t.Errorf("evidence must be invalid at notOnOrAfter")
	}
}

// A policy which does not fire contributes the negation of its effect.
// A Deny policy which does not apply to the request therefore permits it.
func TestEvaluateDelegationNegatedEffectQuirk(t *testing.T) {
	ev := &types.DelegationEvidence{
		NotBefore:    testNow.Unix() - 10,
		NotOnOrAfter: testNow.Unix() + 10,
		PolicySets: []types.PolicySet{{
			Policies: []types.Policy{{
				Target: &types.PolicyTarget{
					Resource: &types.Resource{Type: "Building"},
					Actions:  []string{"DELETE"},
				},
				Rules: []types.Rule{{Effect: "Deny"}},
			}},
		}},
	}

	if !EvaluateDelegation(ev, &Request{Action: "GET", Types: []string{"TemperatureSensor"}}, testNow) {
		t.Errorf("a non-firing Deny policy must contribute true")
	}
	if EvaluateDelegation(ev, &Request{Action: "DELETE", Types: []string{"Building"}}, testNow) {
		t.Errorf("a firing Deny policy must contribute false")
	}

	// Without rules the effect is Deny
	ev.PolicySets[0].Policies[0].Rules = nil
	if EvaluateDelegation(ev, &Request{Action: "DELETE", Types: []string{"Building"}}, testNow) {
		t.Errorf("a firing policy without rules must contribute false")
	}
}

func TestEvaluateDelegationInvalidRegex(t *testing.T) {
	ev := sensorEvidence(testNow)
	ev.PolicySets[0].Policies[0].Target.Resource.Attributes = []string{"([invalid"}

	req := &Request{Action: "GET", Types: []string{"TemperatureSensor"}, Attrs: []string{"temperature"}}
	if EvaluateDelegation(ev, req, testNow) {
		t.Errorf("an invalid attribute pattern must never match")
	}
}

// The evidence is usually decoded from the claims of a JWT
func TestIShareBackend(t *testing.T) {
	now := time.Now()
	claims, err := json.Marshal(map[string]any{
		"id":                 "username",
		"app_id":             "application_id",
		"delegationEvidence": sensorEvidence(now),
	})
	if err != nil {
		t.Fatal(err)
	}
	identity := &types.Identity{}
	if err := json.Unmarshal(claims, identity); err != nil {
		t.Fatal(err)
	}

	backend := &IShare{now: func() time.Time { return now }}
	if !backend.PayloadEnabled() || !backend.JWTEnabled() {
		t.Errorf("iShare must be payload and JWT enabled")
	}

	req := NewRequest(identity, &types.ResourceDescription{
		Action: "GET",
		Types:  []string{"TemperatureSensor"},
		IDs:    []string{"urn:ngsi-ld:TemperatureSensor:002"},
	})
	ok, err := backend.CheckPolicies(context.Background(), req)
	if err != nil || !ok {
		t.Errorf("CheckPolicies() = %v, %v, want true, nil", ok, err)
	}

	req.Action = "DELETE"
	ok, err = backend.CheckPolicies(context.Background(), req)
	if err != nil || ok {
		t.Errorf("CheckPolicies() = %v, %v, want false, nil", ok, err)
	}
}
