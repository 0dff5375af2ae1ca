// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package types

// Data structures of the iShare delegation evidence, as defined by the iShare delegation endpoint.

const ISharePermitEffect = "Permit"

type DelegationEvidence struct {
	NotBefore    int64            `json:"notBefore"`
	NotOnOrAfter int64            `json:"notOnOrAfter"`
	PolicyIssuer string           `json:"policyIssuer,omitempty"`
	Target       DelegationTarget `json:"target"`
	PolicySets   []PolicySet      `json:"policySets,omitempty"`
}

type DelegationTarget struct {
	AccessSubject string `json:"accessSubject,omitempty"`
}

type PolicySet struct {
	MaxDelegationDepth int              `json:"maxDelegationDepth,omitempty"`
	Target             *PolicySetTarget `json:"target,omitempty"`
	Policies           []Policy         `json:"policies,omitempty"`
}

type PolicySetTarget struct {
	Environment *PolicySetEnvironment `json:"environment,omitempty"`
}

type PolicySetEnvironment struct {
	Licenses []string `json:"licenses,omitempty"`
}

type Policy struct {
	Target *PolicyTarget `json:"target,omitempty"`
	Rules  []Rule        `json:"rules,omitempty"`
}

type PolicyTarget struct {
	Resource    *Resource    `json:"resource,omitempty"`
	Actions     []string     `json:"actions,omitempty"`
	Environment *Environment `json:"environment,omitempty"`
}

type Resource struct {
	Type        string   `json:"type,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
	Attributes  []string `json:"attributes,omitempty"`
}

type Environment struct {
	ServiceProviders []string `json:"serviceProviders,omitempty"`
}

type Rule struct {
	Effect string `json:"effect,omitempty"`
}

type AuthorizationRegistry struct {
	ID             string `json:"id,omitempty"`
	Host           string `json:"host,omitempty"`
	TokenPath      string `json:"tokenPath,omitempty"`
	DelegationPath string `json:"delegationPath,omitempty"`
}
