package alert

// Event types that can be routed to webhooks.
const (
	TypeBlocked           = "blocked"
	TypeDenied            = "denied"
	TypeBreakglassCreated = "breakglass_created"
	TypeBreakglassRevoked = "breakglass_revoked"
	TypeRollback          = "config_rolled_back"
	TypeRollbackFailed    = "rollback_failed"
	TypeTrustConfigHealed = "trust_config_healed"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["blocked", "breakglass_created", "rollback_failed"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Node      string `json:"node"`
	Tier      string `json:"tier"`
	Subject   string `json:"subject"` // command, session id, or artifact
	Reason    string `json:"reason"`
}
