// Package gateway is the per-connection enforcement point. A command line
// is checked for shell metacharacters, tokenized, charset-checked, looked
// up in a tier-scoped command table, and only then executed as a literal
// argv. Every request produces exactly one audit entry.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/tier"
)

// DefaultTimeout bounds a single command.
const DefaultTimeout = 30 * time.Second

// Request is one incoming command.
type Request struct {
	Actor   string
	Node    string
	Tier    tier.Tier
	Command string
	Source  string
	Method  string
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	// Status is audit.StatusBlocked or audit.StatusDenied when not allowed.
	Status   string
	Reason   string
	Argv     []string
	Required tier.Tier
	Verbs    []string
}

// Result is a completed execution.
type Result struct {
	Argv     []string      `json:"argv"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Redacted int           `json:"redacted,omitempty"`
}

// DeniedError is returned for blocked and denied requests. Callers show
// Error() to the user; it carries a generic reason plus the verb hint.
type DeniedError struct {
	Command string
	Status  string
	Reason  string
	Tier    tier.Tier
	Verbs   []string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("command %s: %s", e.Status, e.Reason)
	if len(e.Verbs) > 0 {
		msg += fmt.Sprintf(" (allowed at %s: %s)", e.Tier, strings.Join(e.Verbs, ", "))
	}
	return msg
}

// SessionChecker reports whether a requester holds an effective breakglass
// session on a node. *breakglass.Manager satisfies it.
type SessionChecker interface {
	HasEffective(requester, node string) bool
}

// ResolvedAction is a remediation action rendered to a command line.
type ResolvedAction struct {
	ID       string
	Command  string
	Required tier.Tier
	Risk     string
}

// ActionResolver renders catalog actions. The remediation registry
// implements it; it never authorizes on its own.
type ActionResolver interface {
	ResolveAction(ctx context.Context, id string, params map[string]string) (*ResolvedAction, error)
}

// Options configures a Gateway.
type Options struct {
	Table      Table
	Executor   Executor
	Audit      audit.Sink
	Sessions   SessionChecker
	Actions    ActionResolver
	Alerts     *alert.Dispatcher
	Logger     *slog.Logger
	Timeout    time.Duration
	ConfigHash string
}

// Gateway authorizes and executes commands. It holds no per-request state.
type Gateway struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Gateway. An audit sink is required.
func New(opts Options) (*Gateway, error) {
	if opts.Audit == nil {
		return nil, fmt.Errorf("gateway: audit sink is required")
	}
	if opts.Table == nil {
		opts.Table = NewTable(TableConfig{})
	}
	if opts.Executor == nil {
		opts.Executor = ExecExecutor{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Gateway{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		now:    time.Now,
	}, nil
}

// Verbs returns the invocations available at tier t.
func (g *Gateway) Verbs(t tier.Tier) []string {
	return g.opts.Table.Verbs(t)
}

// Authorize decides whether req may run. Denials are audited here, so a
// denied request has its single entry once Authorize returns.
func (g *Gateway) Authorize(ctx context.Context, req Request) Decision {
	d := g.decide(req)
	if !d.Allowed {
		g.deny(req, audit.ActionCommand, d, nil)
	}
	return d
}

// Execute runs a command that Authorize allowed and records the outcome.
func (g *Gateway) Execute(ctx context.Context, req Request, d Decision) (*Result, error) {
	if !d.Allowed || len(d.Argv) == 0 {
		return nil, &DeniedError{Command: req.Command, Status: audit.StatusDenied, Reason: "not authorized", Tier: req.Tier}
	}
	return g.run(ctx, req, audit.ActionCommand, d, nil)
}

// Handle authorizes and, if allowed, executes req.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Result, error) {
	d := g.Authorize(ctx, req)
	if !d.Allowed {
		return nil, deniedError(req, d)
	}
	return g.Execute(ctx, req, d)
}

// HandleAction resolves a catalog action and routes the rendered command
// through the same checks as a raw command. The presented tier must meet
// both the action's tier and the command table's tier.
func (g *Gateway) HandleAction(ctx context.Context, req Request, actionID string, params map[string]string) (*Result, error) {
	meta := map[string]string{"action_id": actionID}
	if g.opts.Actions == nil {
		d := Decision{Status: audit.StatusDenied, Reason: "remediation catalog unavailable"}
		g.deny(req, audit.ActionRemediation, d, meta)
		return nil, deniedError(req, d)
	}

	action, err := g.opts.Actions.ResolveAction(ctx, actionID, params)
	if err != nil {
		d := Decision{Status: audit.StatusDenied, Reason: err.Error()}
		g.deny(req, audit.ActionRemediation, d, meta)
		return nil, deniedError(req, d)
	}
	meta["risk"] = action.Risk
	req.Command = action.Command

	d := g.decide(req)
	if d.Allowed && action.Required > d.Required {
		d.Required = action.Required
		g.checkTier(req, &d)
	}
	if !d.Allowed {
		g.deny(req, audit.ActionRemediation, d, meta)
		return nil, deniedError(req, d)
	}
	return g.run(ctx, req, audit.ActionRemediation, d, meta)
}

// decide applies the checks in order without side effects.
func (g *Gateway) decide(req Request) Decision {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Decision{Status: audit.StatusDenied, Reason: "interactive sessions are not permitted"}
	}
	if m := FindMeta(req.Command); m != "" {
		return Decision{Status: audit.StatusBlocked, Reason: fmt.Sprintf("shell metacharacter %q not permitted", printable(m))}
	}
	argv, err := Tokenize(command)
	if err != nil {
		return Decision{Status: audit.StatusBlocked, Reason: err.Error()}
	}
	if !req.Tier.Valid() {
		return Decision{Status: audit.StatusDenied, Reason: "no valid tier presented"}
	}

	required, out, err := g.opts.Table.Lookup(argv)
	if err != nil {
		return Decision{
			Status: audit.StatusDenied,
			Reason: err.Error(),
			Verbs:  g.opts.Table.Verbs(req.Tier),
		}
	}
	d := Decision{Allowed: true, Argv: out, Required: required}
	g.checkTier(req, &d)
	return d
}

// checkTier enforces the presented tier and, for breakglass-only
// invocations, an effective session on this node.
func (g *Gateway) checkTier(req Request, d *Decision) {
	if !req.Tier.AtLeast(d.Required) {
		d.Allowed = false
		d.Status = audit.StatusDenied
		d.Reason = fmt.Sprintf("requires %s tier", d.Required)
		d.Verbs = g.opts.Table.Verbs(req.Tier)
		return
	}
	if d.Required.AtLeast(tier.Breakglass) && g.opts.Sessions != nil &&
		!g.opts.Sessions.HasEffective(req.Actor, req.Node) {
		d.Allowed = false
		d.Status = audit.StatusDenied
		d.Reason = "breakglass-only command requires an effective breakglass session on this node"
	}
}

func (g *Gateway) run(ctx context.Context, req Request, action string, d Decision, meta map[string]string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	start := g.now()
	out, err := g.opts.Executor.Run(ctx, d.Argv)
	elapsed := g.now().Sub(start)

	entry := g.entry(req, action, meta)
	entry.Metadata["required_tier"] = d.Required.String()
	entry.Result.DurationMS = elapsed.Milliseconds()

	if err != nil {
		entry.Result.Status = audit.StatusExecFailed
		entry.Result.ExitCode = -1
		entry.Reason = err.Error()
		g.record(entry)
		g.logger.Warn("command failed to run", "actor", req.Actor, "argv", d.Argv, "err", err)
		return nil, fmt.Errorf("gateway: exec %s: %w", d.Argv[0], err)
	}

	res := &Result{Argv: d.Argv, ExitCode: out.ExitCode, Duration: elapsed}
	var n1, n2 int
	res.Stdout, n1 = ScanOutput(out.Stdout)
	res.Stderr, n2 = ScanOutput(out.Stderr)
	res.Redacted = n1 + n2

	entry.Result.Status = audit.StatusExecuted
	entry.Result.ExitCode = out.ExitCode
	if res.Redacted > 0 {
		entry.Metadata["redacted"] = fmt.Sprint(res.Redacted)
	}
	g.record(entry)
	g.logger.Info("command executed",
		"actor", req.Actor, "tier", req.Tier, "argv", d.Argv, "exit_code", out.ExitCode, "duration", elapsed)
	return res, nil
}

func (g *Gateway) deny(req Request, action string, d Decision, meta map[string]string) {
	entry := g.entry(req, action, meta)
	entry.Result.Status = d.Status
	entry.Reason = d.Reason
	if d.Required.Valid() {
		entry.Metadata["required_tier"] = d.Required.String()
	}
	g.record(entry)
	g.logger.Warn("command "+d.Status, "actor", req.Actor, "tier", req.Tier, "reason", d.Reason)

	if d.Status == audit.StatusBlocked && g.opts.Alerts != nil {
		g.opts.Alerts.Dispatch(alert.AlertEvent{
			Type:    alert.TypeBlocked,
			Actor:   req.Actor,
			Node:    req.Node,
			Tier:    tierName(req.Tier),
			Subject: req.Command,
			Reason:  d.Reason,
		})
	}
}

func (g *Gateway) entry(req Request, action string, meta map[string]string) audit.Entry {
	m := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		m[k] = v
	}
	method := req.Method
	if method == "" {
		method = "ssh"
	}
	return audit.Entry{
		Actor:      req.Actor,
		Action:     action,
		TargetNode: req.Node,
		Tier:       tierName(req.Tier),
		Request: audit.Request{
			Source:      req.Source,
			Method:      method,
			Command:     req.Command,
			CommandHash: audit.HashCommand(req.Command),
		},
		Metadata:   m,
		ConfigHash: g.opts.ConfigHash,
	}
}

// record writes the entry. A failed write is logged and does not change
// the decision already made.
func (g *Gateway) record(e audit.Entry) {
	if err := g.opts.Audit.Record(e); err != nil {
		g.logger.Error("audit write failed", "action", e.Action, "status", e.Result.Status, "err", err)
	}
}

func deniedError(req Request, d Decision) *DeniedError {
	return &DeniedError{
		Command: req.Command,
		Status:  d.Status,
		Reason:  d.Reason,
		Tier:    req.Tier,
		Verbs:   d.Verbs,
	}
}

func tierName(t tier.Tier) string {
	if !t.Valid() {
		return ""
	}
	return t.String()
}
