// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package types

import (
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

const keyrockUser = `{
	"organizations": [
		{"id": "org1", "name": "Organization 1", "roles": [{"id": "manager", "name": "Manager"}, {"id": "operator"}]}
	],
	"displayName": "Alice",
	"roles": [{"id": "operator", "name": "Operator"}, {"id": "admin", "name": "Admin"}],
	"app_id": "application_id",
	"trusted_apps": ["other_app"],
	"isGravatarEnabled": false,
	"email": "alice@test.com",
	"id": "alice",
	"authorization_decision": "Permit",
	"app_azf_domain": "authzforce",
	"eidas_profile": {"LegalName": "ACME"},
	"username": "alice"
}`

func TestIdentityFromKeyrock(t *testing.T) {
	var id Identity
	if err := json.Unmarshal([]byte(keyrockUser), &id); err != nil {
		t.Fatal(err)
	}

	if id.ID != "alice" || id.DisplayName != "Alice" || id.AppID != "application_id" {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.AuthorizationDecision != DecisionPermit || id.AppAzfDomain != "authzforce" {
		t.Errorf("decision fields not decoded: %+v", id)
	}

	wantRoles := []string{"manager", "operator", "admin"}
	if got := id.RoleIDs(); !reflect.DeepEqual(got, wantRoles) {
		t.Errorf("RoleIDs() = %v, want %v", got, wantRoles)
	}
	if got := id.OrganizationIDs(); !reflect.DeepEqual(got, []string{"org1"}) {
		t.Errorf("OrganizationIDs() = %v", got)
	}
}

func TestRoleIDsNil(t *testing.T) {
	var id *Identity
	if id.RoleIDs() != nil || id.OrganizationIDs() != nil {
		t.Errorf("nil identity must have no roles or organizations")
	}
	if got := (&Identity{}).RoleIDs(); len(got) != 0 {
		t.Errorf("RoleIDs() on empty identity = %v", got)
	}
}
