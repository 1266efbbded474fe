package remediation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/tier"
)

// Risk classifies how much damage a misused action can do.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var (
	validActionID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	placeholder   = regexp.MustCompile(`\{\{\s*([a-z_][a-z0-9_]*)\s*\}\}`)
)

// ActionDef is one catalog record as written in YAML.
type ActionDef struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	CommandTemplate string `yaml:"command_template"`
	RequiredTier    string `yaml:"required_tier"`
	RiskLevel       string `yaml:"risk_level"`
	Enabled         *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true when the field is absent.
func (a ActionDef) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Catalog is a versioned set of actions.
type Catalog struct {
	Version string      `yaml:"version"`
	Actions []ActionDef `yaml:"actions"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every record. A catalog is accepted or rejected whole.
func (c *Catalog) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("%w: catalog version is required", ErrInvalidCatalog)
	}
	seen := map[string]bool{}
	for i, a := range c.Actions {
		if !validActionID.MatchString(a.ID) {
			return fmt.Errorf("%w: action %d: invalid id %q", ErrInvalidCatalog, i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate action id %q", ErrInvalidCatalog, a.ID)
		}
		seen[a.ID] = true
		if a.Name == "" {
			return fmt.Errorf("%w: action %s: name is required", ErrInvalidCatalog, a.ID)
		}
		t, err := tier.Parse(a.RequiredTier)
		if err != nil || (t != tier.Remediate && t != tier.Breakglass) {
			return fmt.Errorf("%w: action %s: required_tier must be remediate or breakglass", ErrInvalidCatalog, a.ID)
		}
		switch Risk(a.RiskLevel) {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return fmt.Errorf("%w: action %s: risk_level must be low, medium or high", ErrInvalidCatalog, a.ID)
		}
		if err := checkTemplate(a.CommandTemplate); err != nil {
			return fmt.Errorf("%w: action %s: %v", ErrInvalidCatalog, a.ID, err)
		}
	}
	return nil
}

// Placeholders returns the parameter names used by a template, in order
// of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// checkTemplate requires the fixed parts of a template to pass the gateway
// lexer on their own.
func checkTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("command_template is required")
	}
	static := placeholder.ReplaceAllString(template, "x")
	if m := gateway.FindMeta(static); m != "" {
		return fmt.Errorf("command_template contains shell metacharacter %q", m)
	}
	if _, err := gateway.Tokenize(static); err != nil {
		return fmt.Errorf("command_template: %v", err)
	}
	return nil
}

// DefaultCatalog is the built-in action set seeded by tiergate init.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version: "2026.10.1",
		Actions: []ActionDef{
			{
				ID:              "restart-proxy",
				Name:            "Restart reverse proxy",
				Description:     "Restart an allowlisted front-end service",
				CommandTemplate: "systemctl restart {{service}}",
				RequiredTier:    "remediate",
				RiskLevel:       "low",
			},
			{
				ID:              "reload-proxy",
				Name:            "Reload reverse proxy",
				Description:     "Reload an allowlisted front-end service without dropping connections",
				CommandTemplate: "systemctl reload {{service}}",
				RequiredTier:    "remediate",
				RiskLevel:       "low",
			},
			{
				ID:              "restart-container",
				Name:            "Restart container",
				Description:     "Restart a single container by name",
				CommandTemplate: "docker restart {{container}}",
				RequiredTier:    "remediate",
				RiskLevel:       "medium",
			},
			{
				ID:              "compose-restart",
				Name:            "Restart compose service",
				Description:     "Restart one service of the managed compose project",
				CommandTemplate: "docker compose restart {{service}}",
				RequiredTier:    "remediate",
				RiskLevel:       "medium",
			},
			{
				ID:              "restart-redis",
				Name:            "Restart redis",
				Description:     "Restart the redis dependency service",
				CommandTemplate: "systemctl restart redis-server",
				RequiredTier:    "breakglass",
				RiskLevel:       "high",
			},
			{
				ID:              "flush-redis",
				Name:            "Flush redis database",
				Description:     "Drop every key in the current redis database",
				CommandTemplate: "redis-cli FLUSHDB",
				RequiredTier:    "breakglass",
				RiskLevel:       "high",
			},
			{
				ID:              "compose-up",
				Name:            "Recreate compose project",
				Description:     "Bring the managed compose project up in the background",
				CommandTemplate: "docker compose up -d",
				RequiredTier:    "breakglass",
				RiskLevel:       "high",
			},
		},
	}
}

// YAML renders the catalog for writing to disk.
func (c *Catalog) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
