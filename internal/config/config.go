// Package config loads and validates the gateway configuration.
//
// DESIGN: Defaults first, then an optional YAML file with ${VAR:-default}
// expansion, then plain environment variables. The env layer is the surface
// operators actually use in development; the YAML file exists for checked-in
// per-project settings.
//
// FILES:
//   - config.go: Root Config struct, Load(), Validate()
//   - routes.go: Declared proxy routes and allow-list
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the dev gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`    // Listener settings
	Upstreams UpstreamsConfig `yaml:"upstreams"` // Dev server and agent backend URLs
	CORS      CORSConfig      `yaml:"cors"`      // Allowed origin for browser clients
	Proxy     ProxyConfig     `yaml:"proxy"`     // Public path prefixes
	Workflow  WorkflowConfig  `yaml:"workflow"`  // Stateful workflow settings
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	Port         int `yaml:"port"`          // Preferred port; falls back to the next free one
	PortFallback int `yaml:"port_fallback"` // How many successive ports to try
}

// UpstreamsConfig contains the two upstream base URLs.
type UpstreamsConfig struct {
	Backend   string `yaml:"backend"`    // Agent backend base URL (required)
	DevServer string `yaml:"dev_server"` // Web framework dev server base URL
}

// CORSConfig contains the browser-facing CORS settings.
type CORSConfig struct {
	Origin string `yaml:"origin"` // Allowed origin; credentials are always allowed
}

// ProxyConfig contains the public path prefixes.
type ProxyConfig struct {
	APIPrefix string `yaml:"api_prefix"` // HTTP proxy prefix, e.g. /api
	WSPrefix  string `yaml:"ws_prefix"`  // WebSocket proxy path, e.g. /ws
	BackendWS string `yaml:"backend_ws"` // Fixed backend WebSocket path
}

// WorkflowConfig contains settings for the stateful workflow routes.
type WorkflowConfig struct {
	InstanceID string `yaml:"instance_id"` // Backend instance identifier for init keying
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3001,
			PortFallback: 20,
		},
		Upstreams: UpstreamsConfig{
			DevServer: "http://localhost:3000",
		},
		CORS: CORSConfig{
			Origin: "http://localhost:3001",
		},
		Proxy: ProxyConfig{
			APIPrefix: "/api",
			WSPrefix:  "/ws",
			BackendWS: "/websocket",
		},
		Workflow: WorkflowConfig{
			InstanceID: "default",
		},
	}
}

// expandEnvWithDefaults expands environment variables with support for default
// values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := cfg.mergeYAML(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes on top of defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeYAML(data); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeYAML(data []byte) error {
	expanded := expandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies plain environment variable overrides. These win
// over both defaults and the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Upstreams.Backend = v
	}
	if v := os.Getenv("DEV_SERVER_URL"); v != "" {
		c.Upstreams.DevServer = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.CORS.Origin = v
	}
	if v := os.Getenv("WORKFLOW_INSTANCE_ID"); v != "" {
		c.Workflow.InstanceID = v
	}
	if v := os.Getenv("API_PROXY_PREFIX"); v != "" {
		c.Proxy.APIPrefix = normalizePrefix(v)
	}
	if v := os.Getenv("WS_PROXY_PREFIX"); v != "" {
		c.Proxy.WSPrefix = normalizePrefix(v)
	}
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// Validate checks if the configuration is valid. The backend URL is the one
// hard requirement: without it the gateway has nothing to proxy to.
func (c *Config) Validate() error {
	if c.Upstreams.Backend == "" {
		return fmt.Errorf("upstreams.backend is required (set BACKEND_URL)")
	}
	if err := validateBaseURL(c.Upstreams.Backend); err != nil {
		return fmt.Errorf("invalid upstreams.backend: %w", err)
	}
	if c.Upstreams.DevServer == "" {
		return fmt.Errorf("upstreams.dev_server is required")
	}
	if err := validateBaseURL(c.Upstreams.DevServer); err != nil {
		return fmt.Errorf("invalid upstreams.dev_server: %w", err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.PortFallback < 0 {
		return fmt.Errorf("invalid server.port_fallback: %d", c.Server.PortFallback)
	}

	if !strings.HasPrefix(c.Proxy.APIPrefix, "/") || c.Proxy.APIPrefix == "/" {
		return fmt.Errorf("invalid proxy.api_prefix: %q", c.Proxy.APIPrefix)
	}
	if !strings.HasPrefix(c.Proxy.WSPrefix, "/") {
		return fmt.Errorf("invalid proxy.ws_prefix: %q", c.Proxy.WSPrefix)
	}
	if !strings.HasPrefix(c.Proxy.BackendWS, "/") {
		return fmt.Errorf("invalid proxy.backend_ws: %q", c.Proxy.BackendWS)
	}

	if c.Workflow.InstanceID == "" {
		return fmt.Errorf("workflow.instance_id must not be empty")
	}

	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q (want http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
