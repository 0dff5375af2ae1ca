// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package payload extracts the entity ids, types and attributes that a request refers to,
// from the request body, the path parameters and the query string.
// Extraction never fails: anything that can not be understood contributes nothing.
package payload

import (
	"net/url"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/hesusruiz/pepproxy/internal/jpath"
	"github.com/hesusruiz/pepproxy/types"
)

// reservedKeys are the keys of an entity which are never attribute names
var reservedKeys = map[string]bool{
	"value":      true,
	"type":       true,
	"id":         true,
	"observedAt": true,
	"metadata":   true,
	"unitCode":   true,
}

// Entities is what a request says about the entities it operates on
type Entities struct {
	IDs        []string
	Types      []string
	Attrs      []string
	IDPatterns []string
}

// Apply copies the extracted sets into the resource description
func (e Entities) Apply(desc *types.ResourceDescription) {
	desc.IDs = e.IDs
	desc.Types = e.Types
	desc.Attrs = e.Attrs
	desc.IDPatterns = e.IDPatterns
}

func decode(body []byte) (any, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, false
	}
	return v, true
}

// FromBody walks any JSON body collecting ids, types and attribute names
func FromBody(body []byte) Entities {
	v, ok := decode(body)
	if !ok {
		return Entities{}
	}
	return walkEntities(v)
}

// FromBatch processes the body of an NGSI-v2 batch operation, where the entities are in the 'entities' field
func FromBatch(body []byte) Entities {
	v, ok := decode(body)
	if !ok {
		return Entities{}
	}
	obj, _ := v.(map[string]any)
	return walkEntities(jpath.GetList(obj, "entities"))
}

func walkEntities(v any) Entities {
	var e Entities
	walk(v, &e)
	e.IDs = lo.Uniq(e.IDs)
	e.Types = lo.Uniq(e.Types)
	e.Attrs = lo.Uniq(e.Attrs)
	return e
}

func walk(v any, e *Entities) {
	switch node := v.(type) {
	case []any:
		for _, element := range node {
			walk(element, e)
		}
	case map[string]any:
		for key, value := range node {
			if reservedKeys[key] {
				continue
			}
			if list, isList := value.([]any); isList {
				walk(list, e)
			} else {
				e.Attrs = append(e.Attrs, key)
			}
		}
		if id, _ := node["id"].(string); id != "" {
			e.IDs = append(e.IDs, id)
		}
		if typ, _ := node["type"].(string); typ != "" {
			e.Types = append(e.Types, typ)
		}
	}
}

// FromSubscription processes the body of a subscription.
// Empty sets are returned as nil.
func FromSubscription(body []byte) Entities {
	v, ok := decode(body)
	if !ok {
		return Entities{}
	}
	obj, _ := v.(map[string]any)

	var e Entities
	for _, item := range jpath.GetList(obj, "entities") {
		entity, _ := item.(map[string]any)
		if id := jpath.GetString(entity, "id"); id != "" {
			e.IDs = append(e.IDs, id)
		}
		if pattern := jpath.GetString(entity, "idPattern"); pattern != "" {
			e.IDPatterns = append(e.IDPatterns, pattern)
		}
		if typ := jpath.GetString(entity, "type"); typ != "" {
			e.Types = append(e.Types, typ)
		}
	}

	e.Attrs = lo.Union(jpath.GetListString(obj, "notification.attributes"), jpath.GetListString(obj, "watchedAttributes"))

	e.IDs = nilIfEmpty(e.IDs)
	e.IDPatterns = nilIfEmpty(e.IDPatterns)
	e.Types = nilIfEmpty(e.Types)
	e.Attrs = nilIfEmpty(e.Attrs)
	return e
}

// AddParams adds the entity id and attribute name of the path, if not already present
func (e *Entities) AddParams(id string, attr string) {
	if id != "" && !slices.Contains(e.IDs, id) {
		e.IDs = append(e.IDs, id)
	}
	if attr != "" && !slices.Contains(e.Attrs, attr) {
		e.Attrs = append(e.Attrs, attr)
	}
}

// AddQuery adds the comma-separated values of the 'ids' and 'type' query parameters
func (e *Entities) AddQuery(query url.Values) {
	if ids := query.Get("ids"); ids != "" {
		e.IDs = lo.Union(e.IDs, splitList(ids))
	}
	if typ := query.Get("type"); typ != "" {
		e.Types = lo.Union(e.Types, splitList(typ))
	}
}

func splitList(s string) []string {
	return lo.Compact(strings.Split(s, ","))
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return lo.Uniq(s)
}

// Analyse extracts the entities from a request, selecting the processing by the shape of the path.
// A leading {prefix} is one or more path segments, like /v2 or /ngsi-ld/v1.
//   - POST {prefix}/subscriptions and PATCH {prefix}/subscriptions/{id}: subscription body
//   - {prefix}/op/{operation}: NGSI-v2 batch body
//   - {prefix}/entities/{id}[/attrs[/{attr}]]: path parameters, then query and body
//   - anything else: query and body
func Analyse(method string, path string, query url.Values, body []byte) Entities {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	n := len(segments)

	switch {
	case method == "POST" && n >= 2 && segments[n-1] == "subscriptions":
		return FromSubscription(body)
	case method == "PATCH" && n >= 3 && segments[n-2] == "subscriptions":
		return FromSubscription(body)
	case n >= 3 && segments[n-2] == "op":
		return FromBatch(body)
	}

	var e Entities
	e.AddParams(entityParams(segments))
	e.AddQuery(query)

	fromBody := FromBody(body)
	e.IDs = lo.Union(e.IDs, fromBody.IDs)
	e.Types = lo.Union(e.Types, fromBody.Types)
	e.Attrs = lo.Union(e.Attrs, fromBody.Attrs)

	return e
}

// entityParams returns the entity id and attribute in paths like
// {prefix}/entities/{id}, {prefix}/entities/{id}/attrs and {prefix}/entities/{id}/attrs/{attr}
func entityParams(segments []string) (id string, attr string) {
	n := len(segments)
	switch {
	case n >= 3 && segments[n-2] == "entities":
		return segments[n-1], ""
	case n >= 4 && segments[n-3] == "entities" && segments[n-1] == "attrs":
		return segments[n-2], ""
	case n >= 5 && segments[n-4] == "entities" && segments[n-2] == "attrs":
		return segments[n-3], segments[n-1]
	}
	return "", ""
}
