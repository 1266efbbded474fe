package audit

// Event actions. Gateway decisions share ActionCommand / ActionRemediation
// and differ in Result.Status, so a denied and an executed run of the same
// command line up field for field.
const (
	ActionCommand           = "command"
	ActionRemediation       = "remediation_action"
	ActionCredentialIssued  = "credential_issued"
	ActionCredentialDenied  = "credential_denied"
	ActionBreakglassCreated = "breakglass_created"
	ActionBreakglassExpired = "breakglass_expired"
	ActionBreakglassRevoked = "breakglass_revoked"
	ActionConfigApplied     = "config_applied"
	ActionConfigRejected    = "config_rejected"
	ActionConfigRolledBack  = "config_rolled_back"
	ActionRollbackFailed    = "config_rollback_failed"
	ActionTrustConfigHealed = "trust_config_healed"
	ActionCatalogSeeded     = "catalog_seeded"
)

// Result statuses.
const (
	StatusBlocked    = "blocked"
	StatusDenied     = "denied"
	StatusExecuted   = "executed"
	StatusExecFailed = "exec_failed"
	StatusOK         = "ok"
	StatusFailed     = "failed"
)

// Request describes what the caller asked for.
type Request struct {
	Source      string `json:"source,omitempty"`
	Method      string `json:"method,omitempty"`
	Command     string `json:"command,omitempty"`
	CommandHash string `json:"command_hash,omitempty"`
}

// Result describes what happened.
type Result struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Entry is one line in the hash-chained JSONL audit log.
// Metadata is map[string]string: encoding/json sorts map keys, so the
// marshalled line stays deterministic for hashing.
type Entry struct {
	Timestamp  string            `json:"ts"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	TargetNode string            `json:"target_node"`
	Tier       string            `json:"tier"`
	Request    Request           `json:"request"`
	Result     Result            `json:"result"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ConfigHash string            `json:"config_hash,omitempty"`
	PrevHash   string            `json:"prev_hash"`
}

// Sink receives audit entries. *Log is the production implementation.
type Sink interface {
	Record(entry Entry) error
}

// Discard is a Sink that drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Entry) error { return nil }
