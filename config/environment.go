// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/hesusruiz/pepproxy/internal/errl"
)

// LookupFunc has the signature of os.LookupEnv
type LookupFunc func(key string) (string, bool)

// protectedVariables may be supplied as Docker secrets, with <NAME>_FILE pointing to the secret file
var protectedVariables = []string{
	"PEP_PROXY_USERNAME",
	"PEP_PROXY_PASSWORD",
	"PEP_PROXY_TOKEN_SECRET",
	"PEP_PROXY_TRUSTED_APPS",
	"PEP_PROXY_MAGIC_KEY",
	"PEP_PASSWORD",
	"PEP_TOKEN_SECRET",
	"PEP_TRUSTED_APPS",
}

// ApplySecretFiles sets each protected variable from the file named by <NAME>_FILE.
// Only the base name of the file is used, and it is looked up in secretsDir.
// A missing file keeps the current value of the variable.
func ApplySecretFiles(lookup LookupFunc, setenv func(key, value string) error, secretsDir string) error {
	for _, key := range protectedVariables {
		filePath, ok := lookup(key + "_FILE")
		if !ok || filePath == "" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(secretsDir, filepath.Base(filePath)))
		if err != nil {
			continue
		}
		if err := setenv(key, strings.TrimSpace(string(content))); err != nil {
			return errl.Errorf("setting %s from secret: %w", key, err)
		}
	}
	return nil
}

// legacyVariables are the names used by older deployments. The PEP_PROXY_* equivalents have priority.
var legacyVariables = map[string]string{
	"PEP_PASSWORD":     "pep.password",
	"PEP_TOKEN_SECRET": "pep.token.secret",
	"PEP_TRUSTED_APPS": "pep.trusted_apps",
}

// environmentVariables maps each PEP_PROXY_* variable to its path in the configuration.
// The pdp_endpoint paths are applied to the endpoint of the selected PDP.
var environmentVariables = map[string]string{
	"PEP_PROXY_PORT":          "pep_port",
	"PEP_PROXY_HTTPS_ENABLED": "https.enabled",
	"PEP_PROXY_HTTPS_PORT":    "https.port",

	"PEP_PROXY_IDM_HOST":        "idm.host",
	"PEP_PROXY_IDM_PORT":        "idm.port",
	"PEP_PROXY_IDM_SSL_ENABLED": "idm.ssl",

	"PEP_PROXY_APP_HOST":        "app.host",
	"PEP_PROXY_APP_PORT":        "app.port",
	"PEP_PROXY_APP_SSL_ENABLED": "app.ssl",

	"PEP_PROXY_ORG_ENABLED": "organizations.enabled",
	"PEP_PROXY_ORG_HEADER":  "organizations.header",

	"PEP_PROXY_APP_ID":       "pep.app_id",
	"PEP_PROXY_USERNAME":     "pep.username",
	"PEP_PROXY_PASSWORD":     "pep.password",
	"PEP_PROXY_TOKEN_SECRET": "pep.token.secret",
	"PEP_PROXY_JWKS_FILE":    "pep.token.jwks_file",
	"PEP_PROXY_TRUSTED_APPS": "pep.trusted_apps",

	"PEP_PROXY_CACHE_TIME": "cache_time",

	"PEP_PROXY_AUTH_ENABLED":  "authorization.enabled",
	"PEP_PROXY_PDP":           "authorization.pdp",
	"PEP_PROXY_TENANT_HEADER": "authorization.header",

	"PEP_PROXY_PDP_PROTOCOL": "pdp_endpoint.protocol",
	"PEP_PROXY_PDP_HOST":     "pdp_endpoint.host",
	"PEP_PROXY_PDP_PORT":     "pdp_endpoint.port",
	"PEP_PROXY_PDP_PATH":     "pdp_endpoint.path",

	"PEP_PROXY_AZF_PROTOCOL":      "authorization.azf.protocol",
	"PEP_PROXY_AZF_HOST":          "authorization.azf.host",
	"PEP_PROXY_AZF_PORT":          "authorization.azf.port",
	"PEP_PROXY_AZF_CUSTOM_POLICY": "authorization.azf.custom_policy",

	"PEP_PROXY_PUBLIC_PATHS": "public_paths",

	"PEP_PROXY_CORS_ENABLED":                "cors.enabled",
	"PEP_PROXY_CORS_ORIGIN":                 "cors.origin",
	"PEP_PROXY_CORS_METHODS":                "cors.methods",
	"PEP_PROXY_CORS_OPTIONS_SUCCESS_STATUS": "cors.options_success_status",
	"PEP_PROXY_CORS_ALLOWED_HEADERS":        "cors.allowed_headers",
	"PEP_PROXY_CORS_CREDENTIALS":            "cors.credentials",
	"PEP_PROXY_CORS_MAX_AGE":                "cors.max_age",

	"PEP_PROXY_AUTH_FOR_NGINX":     "auth_for_nginx",
	"PEP_PROXY_MAGIC_KEY":          "magic_key",
	"PEP_PROXY_DEBUG":              "debug",
	"PEP_PROXY_ERROR_TEMPLATE":     "error_template",
	"PEP_PROXY_ERROR_CONTENT_TYPE": "error_content_type",
	"PEP_PROXY_ADMIN_ADDRESS":      "admin_address",
	"PEP_PROXY_LOG_DATABASE":       "log_database",
}

func transformWith(names map[string]string) func(string) string {
	return func(key string) string {
		return names[key]
	}
}

// ApplyEnvironment overrides the configuration with the PEP_PROXY_* variables of the process.
// Empty variables are ignored. Lists are comma separated.
// The PEP_PROXY_PDP_* variables apply to the endpoint of the selected PDP.
func (c *Config) ApplyEnvironment() error {
	k := koanf.New(".")

	// Legacy names first, so the PEP_PROXY_* ones override them
	if err := k.Load(env.Provider("PEP_", ".", transformWith(legacyVariables)), nil); err != nil {
		return errl.Errorf("loading environment: %w", err)
	}
	if err := k.Load(env.Provider("PEP_PROXY_", ".", transformWith(environmentVariables)), nil); err != nil {
		return errl.Errorf("loading environment: %w", err)
	}

	for _, key := range k.Keys() {
		if k.String(key) == "" {
			k.Delete(key)
		}
	}

	// Decode into a copy, so a bad value leaves the configuration untouched
	updated := *c
	if err := k.UnmarshalWithConf("", &updated, unmarshalConf(&updated)); err != nil {
		return errl.Errorf("invalid environment: %w", err)
	}
	if strings.EqualFold(updated.Authorization.PDP, "authzforce") {
		updated.Authorization.PDP = PDPAuthzforce
	}
	if k.Exists("pdp_endpoint") {
		active := updated.Authorization.ActiveEndpoint()
		if err := k.UnmarshalWithConf("pdp_endpoint", active, unmarshalConf(active)); err != nil {
			return errl.Errorf("invalid environment: %w", err)
		}
	}

	*c = updated
	return nil
}

// unmarshalConf decodes with the yaml tags of the configuration, so the paths are the same as in the file
func unmarshalConf(result any) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				splitListHook,
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           result,
			WeaklyTypedInput: true,
			ZeroFields:       true,
			Squash:           true,
		},
	}
}

// splitListHook converts a comma separated string to a list, dropping the empty elements
func splitListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	var out []string
	for _, s := range strings.Split(data.(string), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
