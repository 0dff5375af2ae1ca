// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/sqlogger"
)

const DefaultSecretsDir = "/run/secrets"

const DefaultAdminAddress = "localhost:9993"

const DefaultErrorTemplate = `{
    "type": "{{.Type}}",
    "title": "{{.Title}}",
    "detail": "{{.Message}}"
  }`

// The names of the supported Policy Decision Points
const (
	PDPIdm        = "idm"
	PDPXacml      = "xacml"
	PDPAuthzforce = "azf"
	PDPOpa        = "opa"
	PDPIShare     = "ishare"
)

var knownPDPs = []string{PDPIdm, PDPXacml, PDPAuthzforce, PDPOpa, PDPIShare}

// Endpoint is the location of a remote service
type Endpoint struct {
	Protocol string `yaml:"protocol,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// URL returns the base URL of the endpoint, including the path if any.
// The protocol is https when SSL is set, unless an explicit protocol is configured.
func (e Endpoint) URL() string {
	scheme := e.Protocol
	if scheme == "" {
		scheme = "http"
		if e.SSL {
			scheme = "https"
		}
	}
	if e.Port == 0 {
		return fmt.Sprintf("%s://%s%s", scheme, e.Host, e.Path)
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, e.Host, e.Port, e.Path)
}

type HTTPSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Port     int    `yaml:"port"`
}

type OrganizationsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
}

type TokenConfig struct {
	// Secret is the shared secret of the JWTs issued for the PEP (HMAC algorithms)
	Secret string `yaml:"secret"`

	// JWKSFile is a file with a JWK Set with the public keys of JWTs signed with asymmetric algorithms
	JWKSFile string `yaml:"jwks_file,omitempty"`
}

// PEPConfig contains the credentials obtained when registering the PEP Proxy in the application
type PEPConfig struct {
	AppID       string      `yaml:"app_id"`
	Username    string      `yaml:"username"`
	Password    string      `yaml:"password"`
	Token       TokenConfig `yaml:"token"`
	TrustedApps []string    `yaml:"trusted_apps"`
}

type AzfConfig struct {
	Endpoint `yaml:",inline"`

	// CustomPolicy is a Starlark file building the XACML request. Empty for the default policy (HTTP verb + path).
	CustomPolicy string `yaml:"custom_policy,omitempty"`
}

type AuthorizationConfig struct {
	Enabled bool `yaml:"enabled"`

	// PDP is one of idm, xacml, azf, opa or ishare
	PDP string `yaml:"pdp"`

	// Header is the tenant header forwarded to the PDP (e.g. fiware-service or NGSILD-Tenant)
	Header string `yaml:"header,omitempty"`

	// Endpoint of the XACML or OPA PDP
	Endpoint Endpoint `yaml:"endpoint"`

	Azf AzfConfig `yaml:"azf"`
}

// ActiveEndpoint returns the endpoint of the selected PDP
func (a *AuthorizationConfig) ActiveEndpoint() *Endpoint {
	if a.PDP == PDPAuthzforce {
		return &a.Azf.Endpoint
	}
	return &a.Endpoint
}

type CORSConfig struct {
	Enabled              bool     `yaml:"enabled"`
	AllowedOrigins       []string `yaml:"origin"`
	AllowedMethods       []string `yaml:"methods"`
	AllowedHeaders       []string `yaml:"allowed_headers,omitempty"`
	AllowCredentials     bool     `yaml:"credentials"`
	OptionsPassthrough   bool     `yaml:"preflight_continue"`
	OptionsSuccessStatus int      `yaml:"options_success_status"`
	MaxAge               int      `yaml:"max_age,omitempty"`
}

type Config struct {
	// Port where the proxy listens for plain HTTP
	Port  int         `yaml:"pep_port"`
	HTTPS HTTPSConfig `yaml:"https"`

	// IDM is the Keyrock Identity Manager
	IDM Endpoint `yaml:"idm"`

	// App is the protected application, where authorized requests are forwarded
	App Endpoint `yaml:"app"`

	Organizations OrganizationsConfig `yaml:"organizations"`

	PEP PEPConfig `yaml:"pep"`

	// CacheTime is the time in seconds that the identity of opaque tokens is kept in the cache
	CacheTime int `yaml:"cache_time"`

	Authorization AuthorizationConfig `yaml:"authorization"`

	CORS CORSConfig `yaml:"cors"`

	// PublicPaths do not require authentication. A trailing '*' matches any suffix.
	PublicPaths []string `yaml:"public_paths"`

	// MagicKey is a token which skips authentication entirely
	MagicKey string `yaml:"magic_key,omitempty"`

	// AuthForNginx replies 204 to authorized requests instead of forwarding them
	AuthForNginx bool `yaml:"auth_for_nginx"`

	ErrorTemplate    string `yaml:"error_template"`
	ErrorContentType string `yaml:"error_content_type"`

	// AdminAddress is the address of the admin server with the status pages and metrics
	AdminAddress string `yaml:"admin_address"`

	// LogDatabase is the SQLite file where the logs are stored
	LogDatabase string `yaml:"log_database"`

	// Debug mode, more logs
	Debug bool `yaml:"debug"`

	// LogHandler is the handler used to log messages, both to the console and to a SQLite database.
	LogHandler *sqlogger.SQLogHandler `yaml:"-"`

	// LogLevel can be changed at runtime from the admin server.
	LogLevel *slog.LevelVar `yaml:"-"`
}

// Default returns the configuration used when nothing is specified
func Default() *Config {
	return &Config{
		Port: 3001,
		HTTPS: HTTPSConfig{
			CertFile: "cert/cert.crt",
			KeyFile:  "cert/key.key",
			Port:     443,
		},
		IDM: Endpoint{Host: "localhost", Port: 3000},
		App: Endpoint{Host: "localhost", Port: 3002},
		Organizations: OrganizationsConfig{
			Header: "fiware-service",
		},
		CacheTime: 300,
		Authorization: AuthorizationConfig{
			PDP:      PDPIdm,
			Endpoint: Endpoint{Protocol: "http", Host: "localhost", Port: 8080},
			Azf: AzfConfig{
				Endpoint: Endpoint{Protocol: "http", Host: "localhost", Port: 8080},
			},
		},
		CORS: CORSConfig{
			AllowedOrigins:       []string{"*"},
			AllowedMethods:       []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"},
			AllowCredentials:     true,
			OptionsSuccessStatus: 204,
		},
		ErrorTemplate:    DefaultErrorTemplate,
		ErrorContentType: "application/json",
		AdminAddress:     DefaultAdminAddress,
		LogDatabase:      sqlogger.DefaultDBName,
	}
}

// SetLogger creates the handler logging to the console and the database, and sets it as the default
func SetLogger(debug bool, nocolor bool, dbname string) *sqlogger.SQLogHandler {

	logLevel := new(slog.LevelVar)
	if debug {
		logLevel.Set(slog.LevelDebug)
	}

	mylogHandler, err := sqlogger.NewSQLogHandler(&sqlogger.Options{Level: logLevel, NoColor: nocolor, DBName: dbname})
	if err != nil {
		panic(err)
	}

	logger := slog.New(
		mylogHandler,
	)

	slog.SetDefault(logger)

	return mylogHandler
}

// LoadConfig builds the configuration from the defaults, the YAML file (if fileName is not empty)
// and the PEP_PROXY_* environment variables, in that order.
func LoadConfig(fileName string, logHandler *sqlogger.SQLogHandler) (*Config, error) {
	conf := Default()

	if fileName != "" {
		content, err := os.ReadFile(fileName)
		if err != nil {
			return nil, errl.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(content, conf); err != nil {
			return nil, errl.Errorf("parsing config file %s: %w", fileName, err)
		}
		slog.Info("configuration loaded", "file", fileName)
	}

	secretsDir := os.Getenv("SECRETS_DIR")
	if secretsDir == "" {
		secretsDir = DefaultSecretsDir
	}
	if err := ApplySecretFiles(os.LookupEnv, os.Setenv, secretsDir); err != nil {
		return nil, errl.Error(err)
	}

	if err := conf.ApplyEnvironment(); err != nil {
		return nil, errl.Error(err)
	}

	if err := conf.Validate(); err != nil {
		return nil, errl.Error(err)
	}

	if logHandler != nil {
		conf.LogHandler = logHandler
		conf.LogLevel = logHandler.Level()
		if conf.Debug {
			conf.LogLevel.Set(slog.LevelDebug)
		}
	}

	return conf, nil
}

// Validate normalizes the configuration and checks that it is usable
func (c *Config) Validate() error {
	c.Authorization.PDP = strings.ToLower(strings.TrimSpace(c.Authorization.PDP))
	if c.Authorization.PDP == "authzforce" {
		c.Authorization.PDP = PDPAuthzforce
	}
	if c.Authorization.PDP == "" {
		c.Authorization.PDP = PDPIdm
	}
	if !slices.Contains(knownPDPs, c.Authorization.PDP) {
		return errl.Errorf("unknown PDP '%s', must be one of %v", c.Authorization.PDP, knownPDPs)
	}
	if c.CacheTime <= 0 {
		return errl.Errorf("cache_time must be positive, got %d", c.CacheTime)
	}
	if c.IDM.Host == "" {
		return errl.Errorf("the IDM host is required")
	}
	if c.App.Host == "" {
		return errl.Errorf("the application host is required")
	}
	if c.Organizations.Header == "" {
		c.Organizations.Header = "fiware-service"
	}
	return nil
}

// CacheDuration returns the cache time as a Duration
func (c *Config) CacheDuration() time.Duration {
	return time.Duration(c.CacheTime) * time.Second
}

// ListenAddress is the address of the plain HTTP listener
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
