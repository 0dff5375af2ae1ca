// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pep

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// ExtractToken gets the access token from the request. In order, it looks for:
//   - an 'Authorization: Bearer <token>' header, with the scheme compared case-insensitively
//   - an 'X-Auth-Token' header
//   - an 'Authorization: <scheme> <base64>' header, where the second word is the base64 encoded token
func ExtractToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))

	scheme, value, found := strings.Cut(authorization, " ")
	value = strings.TrimSpace(value)
	if found && strings.EqualFold(scheme, "Bearer") && len(value) > 0 {
		return value, true
	}

	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); len(token) > 0 {
		return token, true
	}

	if found && len(value) > 0 {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err == nil && len(decoded) > 0 {
			return string(decoded), true
		}
	}

	return "", false
}
