package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/ratelimit"
	"github.com/ppiankov/tiergate/internal/remediation"
)

// --- Input/Output types ---

// ExecInput defines parameters for the tiergate_exec tool.
type ExecInput struct {
	Command string `json:"command" jsonschema:"command line, e.g. 'systemctl status caddy'"`
}

// ExecOutput contains the command result or denial details.
type ExecOutput struct {
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	ExitCode int      `json:"exit_code"`
	Denied   bool     `json:"denied,omitempty"`
	Status   string   `json:"status,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Verbs    []string `json:"verbs,omitempty"`
}

// VerbsInput is empty.
type VerbsInput struct{}

// VerbsOutput lists permitted verbs.
type VerbsOutput struct {
	Tier  string   `json:"tier"`
	Verbs []string `json:"verbs"`
}

// ActionsInput is empty.
type ActionsInput struct{}

// ActionItem describes one catalogued action.
type ActionItem struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RequiredTier string   `json:"required_tier"`
	Risk         string   `json:"risk_level"`
	Params       []string `json:"params,omitempty"`
}

// ActionsOutput lists enabled actions.
type ActionsOutput struct {
	Actions []ActionItem `json:"actions"`
}

// RunActionInput defines parameters for the tiergate_run_action tool.
type RunActionInput struct {
	ActionID string            `json:"action_id" jsonschema:"remediation action id"`
	Params   map[string]string `json:"params,omitempty" jsonschema:"template parameters"`
}

// AuditInput defines parameters for the tiergate_audit tool.
type AuditInput struct {
	Actor  string `json:"actor,omitempty" jsonschema:"filter by actor"`
	Tier   string `json:"tier,omitempty" jsonschema:"filter by tier"`
	Status string `json:"status,omitempty" jsonschema:"filter by result status"`
	Since  string `json:"since,omitempty" jsonschema:"only entries newer than this duration, e.g. 1h"`
	Limit  int    `json:"limit,omitempty" jsonschema:"newest N entries (default 50)"`
}

// AuditItem is a trimmed audit entry.
type AuditItem struct {
	Timestamp string `json:"ts"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Tier      string `json:"tier"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// AuditOutput holds matching entries and a summary.
type AuditOutput struct {
	Entries []AuditItem   `json:"entries"`
	Summary audit.Summary `json:"summary"`
}

const defaultAuditLimit = 50

// --- Handlers ---

func (s *Server) handleExec(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecInput) (*mcpsdk.CallToolResult, ExecOutput, error) {
	cred, err := s.credential()
	if err != nil {
		return nil, ExecOutput{}, err
	}
	if denied := s.limit(cred, ratelimit.CategoryExec, audit.ActionCommand, input.Command); denied != nil {
		return execResult(nil, denied)
	}
	res, err := s.cfg.Gateway.Handle(ctx, s.request(cred, input.Command))
	return execResult(res, err)
}

func (s *Server) handleRunAction(ctx context.Context, req *mcpsdk.CallToolRequest, input RunActionInput) (*mcpsdk.CallToolResult, ExecOutput, error) {
	cred, err := s.credential()
	if err != nil {
		return nil, ExecOutput{}, err
	}
	if denied := s.limit(cred, ratelimit.CategoryAction, audit.ActionRemediation, ""); denied != nil {
		return execResult(nil, denied)
	}
	res, err := s.cfg.Gateway.HandleAction(ctx, s.request(cred, ""), input.ActionID, input.Params)
	return execResult(res, err)
}

func execResult(res *gateway.Result, err error) (*mcpsdk.CallToolResult, ExecOutput, error) {
	if err != nil {
		var denied *gateway.DeniedError
		if errors.As(err, &denied) {
			out := ExecOutput{
				Denied: true,
				Status: denied.Status,
				Reason: denied.Reason,
				Verbs:  denied.Verbs,
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		return nil, ExecOutput{}, err
	}
	out := ExecOutput{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Status:   audit.StatusExecuted,
	}
	if res.ExitCode != 0 {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleVerbs(ctx context.Context, req *mcpsdk.CallToolRequest, input VerbsInput) (*mcpsdk.CallToolResult, VerbsOutput, error) {
	cred, err := s.credential()
	if err != nil {
		return nil, VerbsOutput{}, err
	}
	t := cred.Highest()
	return nil, VerbsOutput{Tier: t.String(), Verbs: s.cfg.Gateway.Verbs(t)}, nil
}

func (s *Server) handleActions(ctx context.Context, req *mcpsdk.CallToolRequest, input ActionsInput) (*mcpsdk.CallToolResult, ActionsOutput, error) {
	if _, err := s.credential(); err != nil {
		return nil, ActionsOutput{}, err
	}
	if s.cfg.Actions == nil {
		return nil, ActionsOutput{}, errors.New("remediation catalog unavailable")
	}
	actions, err := s.cfg.Actions.List(ctx, false)
	if err != nil {
		return nil, ActionsOutput{}, err
	}
	out := ActionsOutput{Actions: make([]ActionItem, 0, len(actions))}
	for _, a := range actions {
		out.Actions = append(out.Actions, ActionItem{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			RequiredTier: a.RequiredTier.String(),
			Risk:         string(a.Risk),
			Params:       remediation.Placeholders(a.CommandTemplate),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditInput) (*mcpsdk.CallToolResult, AuditOutput, error) {
	if _, err := s.credential(); err != nil {
		return nil, AuditOutput{}, err
	}
	if s.cfg.AuditPath == "" {
		return nil, AuditOutput{}, errors.New("audit log unavailable")
	}
	filter := audit.Filter{
		Node:   s.cfg.Node,
		Actor:  input.Actor,
		Tier:   input.Tier,
		Status: input.Status,
		Limit:  input.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if input.Since != "" {
		d, err := time.ParseDuration(input.Since)
		if err != nil {
			return nil, AuditOutput{}, fmt.Errorf("invalid since: %w", err)
		}
		filter.From = time.Now().Add(-d)
	}

	res, err := audit.Query(s.cfg.AuditPath, filter)
	if err != nil {
		return nil, AuditOutput{}, err
	}
	out := AuditOutput{Entries: make([]AuditItem, 0, len(res.Entries)), Summary: res.Summary}
	for _, e := range res.Entries {
		out.Entries = append(out.Entries, AuditItem{
			Timestamp: e.Timestamp,
			Actor:     e.Actor,
			Action:    e.Action,
			Tier:      e.Tier,
			Command:   e.Request.Command,
			Status:    e.Result.Status,
			Reason:    e.Reason,
		})
	}
	return nil, out, nil
}
