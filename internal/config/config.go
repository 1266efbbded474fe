// Package config loads the tiergate node configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/ratelimit"
	"github.com/ppiankov/tiergate/internal/tier"
)

// DefaultPath is used when neither --config nor TIERGATE_CONFIG is set.
const DefaultPath = "/etc/tiergate/config.yaml"

// EnvPath names the environment variable that overrides DefaultPath.
const EnvPath = "TIERGATE_CONFIG"

// ErrInvalid marks a configuration that parsed but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// NodeConfig identifies the node this process runs on.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// PathsConfig locates durable state on disk.
type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	AuditLog  string `yaml:"audit_log"`
	Database  string `yaml:"database"`
	Sessions  string `yaml:"sessions"`
	TrustDir  string `yaml:"trust_dir"`
	BackupDir string `yaml:"backup_dir"`
	LockDir   string `yaml:"lock_dir"`
	Catalog   string `yaml:"catalog"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CredentialsConfig controls credential signing and lifetimes.
type CredentialsConfig struct {
	Issuer           string        `yaml:"issuer"`
	SigningKey       string        `yaml:"signing_key"`
	PublicKey        string        `yaml:"public_key"`
	StandardLifetime time.Duration `yaml:"standard_lifetime"`
	ElevatedLifetime time.Duration `yaml:"elevated_lifetime"`
	MaxLifetime      time.Duration `yaml:"max_lifetime"`
}

// BreakglassConfig bounds session windows.
type BreakglassConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
}

// GatewayConfig parameterises the command table.
type GatewayConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	ComposeProject     string        `yaml:"compose_project"`
	Services           []string      `yaml:"services"`
	DependencyServices []string      `yaml:"dependency_services"`
	RedisHost          string        `yaml:"redis_host"`
	RequireSession     bool          `yaml:"require_session"`
}

// ProbeConfig describes one post-apply health check.
type ProbeConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"`
	Target  string        `yaml:"target"`
	Expect  int           `yaml:"expect,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// TargetConfig is one managed configuration artifact and its service.
type TargetConfig struct {
	Artifact string        `yaml:"artifact"`
	Service  string        `yaml:"service"`
	Unit     string        `yaml:"unit"`
	Probes   []ProbeConfig `yaml:"probes"`
}

// FirewallConfig is the nftables variant of the pipeline.
type FirewallConfig struct {
	Ruleset string        `yaml:"ruleset"`
	Probes  []ProbeConfig `yaml:"probes"`
}

// PipelineConfig holds managed targets for config apply.
type PipelineConfig struct {
	LockWait    time.Duration           `yaml:"lock_wait"`
	KeepBackups int                     `yaml:"keep_backups"`
	Targets     map[string]TargetConfig `yaml:"targets"`
	Firewall    FirewallConfig          `yaml:"firewall"`
}

// MCPConfig bounds the agent-facing tool server.
type MCPConfig struct {
	// RateLimits is keyed by identity; "*" applies to everyone else.
	RateLimits map[string]ratelimit.RateLimitConfig `yaml:"rate_limits"`
}

// Config is the full node configuration.
type Config struct {
	Node        NodeConfig          `yaml:"node"`
	Paths       PathsConfig         `yaml:"paths"`
	Log         LogConfig           `yaml:"log"`
	Credentials CredentialsConfig   `yaml:"credentials"`
	Breakglass  BreakglassConfig    `yaml:"breakglass"`
	Gateway     GatewayConfig       `yaml:"gateway"`
	Pipeline    PipelineConfig      `yaml:"pipeline"`
	MCP         MCPConfig           `yaml:"mcp"`
	Alerts      []alert.AlertConfig `yaml:"alerts"`
	// Identities maps an identity to the highest tier it may request.
	Identities map[string]string `yaml:"identities"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	state := "/var/lib/tiergate"
	return &Config{
		Node: NodeConfig{ID: hostname()},
		Paths: PathsConfig{
			StateDir:  state,
			AuditLog:  "/var/log/tiergate/audit.jsonl",
			Database:  filepath.Join(state, "tiergate.db"),
			Sessions:  filepath.Join(state, "sessions"),
			TrustDir:  "/etc/ssh/tiergate",
			BackupDir: filepath.Join(state, "backups"),
			LockDir:   "/run/tiergate",
			Catalog:   "/etc/tiergate/actions.yaml",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Credentials: CredentialsConfig{
			Issuer:           "tiergate",
			SigningKey:       "/etc/tiergate/signing.key",
			PublicKey:        "/etc/tiergate/signing.pub",
			StandardLifetime: 8 * time.Hour,
			ElevatedLifetime: 15 * time.Minute,
			MaxLifetime:      8 * time.Hour,
		},
		Breakglass: BreakglassConfig{
			DefaultTTL: 10 * time.Minute,
			MaxTTL:     time.Hour,
		},
		Gateway: GatewayConfig{
			Timeout:            30 * time.Second,
			ComposeProject:     "stack",
			Services:           []string{"caddy", "nginx", "node-exporter"},
			DependencyServices: []string{"redis-server", "postgresql", "docker"},
			RedisHost:          "127.0.0.1",
			RequireSession:     true,
		},
		Pipeline: PipelineConfig{
			LockWait:    30 * time.Second,
			KeepBackups: 10,
			Targets: map[string]TargetConfig{
				"proxy": {
					Artifact: "/etc/caddy/Caddyfile",
					Service:  "caddy",
					Unit:     "caddy",
					Probes: []ProbeConfig{
						{Name: "caddy-active", Kind: "systemd", Target: "caddy"},
						{Name: "https", Kind: "tcp", Target: "127.0.0.1:443"},
					},
				},
			},
			Firewall: FirewallConfig{
				Ruleset: "/etc/nftables.conf",
			},
		},
		MCP: MCPConfig{
			RateLimits: map[string]ratelimit.RateLimitConfig{
				ratelimit.Wildcard: {
					ratelimit.CategoryExec:   {MaxRequests: 60, Window: time.Minute},
					ratelimit.CategoryAction: {MaxRequests: 10, Window: time.Minute},
				},
			},
		},
		Identities: map[string]string{},
	}
}

// Resolve returns the config path to use: explicit flag, then
// TIERGATE_CONFIG, then DefaultPath.
func Resolve(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the configuration at path over DefaultConfig.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads the configuration and returns the SHA-256 of the raw
// bytes on disk. When no file exists the hash is of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return cfg, hashBytes(nil), cfg.Validate()
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hashBytes(data), nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node.id is required", ErrInvalid)
	}
	if c.Breakglass.MaxTTL <= 0 || c.Breakglass.MaxTTL > time.Hour {
		return fmt.Errorf("%w: breakglass.max_ttl must be in (0, 1h], got %s", ErrInvalid, c.Breakglass.MaxTTL)
	}
	if c.Breakglass.DefaultTTL <= 0 || c.Breakglass.DefaultTTL > c.Breakglass.MaxTTL {
		return fmt.Errorf("%w: breakglass.default_ttl must be in (0, max_ttl]", ErrInvalid)
	}
	if c.Credentials.StandardLifetime <= 0 || c.Credentials.ElevatedLifetime <= 0 {
		return fmt.Errorf("%w: credential lifetimes must be positive", ErrInvalid)
	}
	if c.Credentials.MaxLifetime < c.Credentials.ElevatedLifetime {
		return fmt.Errorf("%w: credentials.max_lifetime below elevated_lifetime", ErrInvalid)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("%w: gateway.timeout must be positive", ErrInvalid)
	}
	for id, t := range c.Identities {
		if _, err := tier.Parse(t); err != nil {
			return fmt.Errorf("%w: identity %q: %v", ErrInvalid, id, err)
		}
	}
	for id, limits := range c.MCP.RateLimits {
		for category := range limits {
			if category != ratelimit.CategoryExec && category != ratelimit.CategoryAction {
				return fmt.Errorf("%w: mcp.rate_limits.%s: unknown category %q", ErrInvalid, id, category)
			}
		}
	}
	for name, target := range c.Pipeline.Targets {
		if target.Artifact == "" || target.Service == "" {
			return fmt.Errorf("%w: pipeline target %q needs artifact and service", ErrInvalid, name)
		}
		for _, p := range target.Probes {
			switch p.Kind {
			case "http", "tcp", "dns", "systemd":
			default:
				return fmt.Errorf("%w: target %q probe %q: unknown kind %q", ErrInvalid, name, p.Name, p.Kind)
			}
		}
	}
	return nil
}

// IdentityTiers parses the identities map.
func (c *Config) IdentityTiers() map[string]tier.Tier {
	out := make(map[string]tier.Tier, len(c.Identities))
	for id, s := range c.Identities {
		if t, err := tier.Parse(s); err == nil {
			out[id] = t
		}
	}
	return out
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// DefaultConfigYAML returns a commented YAML document for tiergate init.
func DefaultConfigYAML() string {
	return `# tiergate node configuration
# Generated by: tiergate init
#
# Missing keys fall back to built-in defaults.

node:
  # id defaults to the hostname.
  # id: edge-1
  address: ""

paths:
  state_dir: /var/lib/tiergate
  audit_log: /var/log/tiergate/audit.jsonl
  database: /var/lib/tiergate/tiergate.db
  sessions: /var/lib/tiergate/sessions
  trust_dir: /etc/ssh/tiergate
  backup_dir: /var/lib/tiergate/backups
  lock_dir: /run/tiergate
  catalog: /etc/tiergate/actions.yaml

log:
  level: info     # debug | info | warn | error
  format: text    # text | json

# Credentials are EdDSA-signed. Generate a key pair with: tiergate keygen
credentials:
  issuer: tiergate
  signing_key: /etc/tiergate/signing.key
  public_key: /etc/tiergate/signing.pub
  standard_lifetime: 8h   # diag, remediate
  elevated_lifetime: 15m  # breakglass, root
  max_lifetime: 8h

breakglass:
  default_ttl: 10m
  max_ttl: 1h

gateway:
  timeout: 30s
  compose_project: stack
  # systemctl restart|reload at remediate
  services: [caddy, nginx, node-exporter]
  # systemctl restart|reload requires breakglass
  dependency_services: [redis-server, postgresql, docker]
  redis_host: 127.0.0.1
  # breakglass-only commands also need an effective session
  require_session: true

pipeline:
  lock_wait: 30s
  keep_backups: 10
  targets:
    proxy:
      artifact: /etc/caddy/Caddyfile
      service: caddy    # caddy | nginx
      unit: caddy
      probes:
        - {name: caddy-active, kind: systemd, target: caddy}
        - {name: https, kind: tcp, target: "127.0.0.1:443"}
  firewall:
    ruleset: /etc/nftables.conf

# Per-identity limits on MCP tool calls; "*" applies to everyone else.
mcp:
  rate_limits:
    "*":
      exec: {max_requests: 60, window: 1m}
      action: {max_requests: 10, window: 1m}

# Webhook alerts. format: generic | slack | pagerduty
alerts: []
#  - url: https://hooks.slack.com/services/XXX
#    format: slack
#    events: [blocked, breakglass_created, rollback_failed]

# identity -> highest tier it may request
identities: {}
#  alice: breakglass
#  ci-bot: diag
`
}
