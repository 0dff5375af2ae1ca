// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pep

import (
	"errors"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/types"
)

var hmacMethods = []string{"HS256", "HS384", "HS512"}
var asymmetricMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// ErrExpired is returned for well signed JWTs which have expired
var ErrExpired = jwt.ErrTokenExpired

// JWTVerifier verifies the JWTs issued for the PEP, signed with the shared secret of the
// application (HMAC) or with one of the keys of a JWK Set (asymmetric algorithms).
type JWTVerifier struct {
	secret []byte
	keys   *jose.JSONWebKeySet
	parser *jwt.Parser
}

// NewJWTVerifier returns nil when there is no secret nor JWK Set configured
func NewJWTVerifier(cfg config.TokenConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 && len(cfg.JWKSFile) == 0 {
		return nil, nil
	}

	v := &JWTVerifier{}
	var methods []string

	if len(cfg.Secret) > 0 {
		v.secret = []byte(cfg.Secret)
		methods = append(methods, hmacMethods...)
	}

	if len(cfg.JWKSFile) > 0 {
		content, err := os.ReadFile(cfg.JWKSFile)
		if err != nil {
			return nil, errl.Errorf("reading JWK Set: %w", err)
		}
		keys, err := ParseJWKS(content)
		if err != nil {
			return nil, errl.Error(err)
		}
		v.keys = keys
		methods = append(methods, asymmetricMethods...)
	}

	v.parser = jwt.NewParser(jwt.WithValidMethods(methods))
	return v, nil
}

// ParseJWKS parses a JWK Set. A single JWK is also accepted.
func ParseJWKS(content []byte) (*jose.JSONWebKeySet, error) {
	keys := &jose.JSONWebKeySet{}
	if err := json.Unmarshal(content, keys); err != nil {
		return nil, errl.Errorf("parsing JWK Set: %w", err)
	}
	if len(keys.Keys) > 0 {
		return keys, nil
	}

	k := jose.JSONWebKey{}
	if err := k.UnmarshalJSON(content); err != nil {
		return nil, errl.Errorf("parsing JWK: %w", err)
	}
	keys.Keys = []jose.JSONWebKey{k}
	return keys, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if v.secret == nil {
			return nil, errors.New("no secret configured for HMAC tokens")
		}
		return v.secret, nil
	}

	if v.keys == nil {
		return nil, errors.New("no keys configured for asymmetric tokens")
	}

	kid, _ := token.Header["kid"].(string)
	if len(kid) > 0 {
		found := v.keys.Key(kid)
		if len(found) == 0 {
			return nil, errl.Errorf("unknown key id: %s", kid)
		}
		return found[0].Key, nil
	}

	if len(v.keys.Keys) == 1 {
		return v.keys.Keys[0].Key, nil
	}
	return nil, errors.New("token without key id and several keys configured")
}

// Verify checks the signature and the expiration of the token, and returns its claims.
// Expired tokens with a valid signature return an error wrapping ErrExpired.
func (v *JWTVerifier) Verify(tokenString string) (*types.IdentityClaims, error) {
	claims := &types.IdentityClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
