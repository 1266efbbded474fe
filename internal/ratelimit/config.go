// Package ratelimit bounds how many gateway calls one identity may make
// per time window. It guards the agent-facing MCP surface.
package ratelimit

import "time"

// Tool categories counted separately.
const (
	CategoryExec   = "exec"
	CategoryAction = "action"
)

// ToolRateLimit defines the rate limit for a single tool category.
// Zero values mean no limit for that category.
type ToolRateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig maps tool categories to their rate limits for one identity.
type RateLimitConfig map[string]*ToolRateLimit

// HasLimits returns true if any tool category has a configured limit.
func (c RateLimitConfig) HasLimits() bool {
	for _, trl := range c {
		if trl.active() {
			return true
		}
	}
	return false
}

func (l *ToolRateLimit) active() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}
