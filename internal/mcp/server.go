// Package mcp exposes the command gateway to automated agents over the
// Model Context Protocol. Every tool call runs through the same gateway
// checks and audit trail as an SSH invocation.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/credential"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/ratelimit"
	"github.com/ppiankov/tiergate/internal/remediation"
)

// TokenVerifier checks the credential the agent was started with.
type TokenVerifier interface {
	Verify(token string) (*credential.Credential, error)
}

// ActionLister lists the remediation catalog.
type ActionLister interface {
	List(ctx context.Context, includeDisabled bool) ([]remediation.Action, error)
}

// Config holds MCP server configuration.
type Config struct {
	Gateway   *gateway.Gateway
	Actions   ActionLister
	Verifier  TokenVerifier
	Token     string
	Node      string
	AuditPath string
	Version   string
	Logger    *slog.Logger
	// Limiter may be nil. Audit records calls the limiter refuses.
	Limiter *ratelimit.Limiter
	Audit   audit.Sink
}

// Server wraps the MCP SDK server.
type Server struct {
	mcpServer *mcpsdk.Server
	cfg       Config
	logger    *slog.Logger
}

// New checks the agent credential once and registers the tools.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("mcp: gateway is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("mcp: credential verifier is required")
	}
	if _, err := cfg.Verifier.Verify(cfg.Token); err != nil {
		return nil, fmt.Errorf("mcp: agent credential: %w", err)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{cfg: cfg, logger: logging.OrDiscard(cfg.Logger)}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "tiergate",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdio. Blocks until ctx is cancelled or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// credential re-verifies the token on every call so an expired credential
// stops working mid-session.
func (s *Server) credential() (*credential.Credential, error) {
	return s.cfg.Verifier.Verify(s.cfg.Token)
}

func (s *Server) request(cred *credential.Credential, command string) gateway.Request {
	return gateway.Request{
		Actor:   cred.Identity,
		Node:    s.cfg.Node,
		Tier:    cred.Highest(),
		Command: command,
		Source:  "mcp",
		Method:  "mcp",
	}
}

// limit counts the call against the agent's rate limit. A refused call
// is audited like any other denial.
func (s *Server) limit(cred *credential.Credential, category, action, command string) *gateway.DeniedError {
	r := s.cfg.Limiter.Allow(cred.Identity, category, time.Now())
	if !r.Exceeded {
		return nil
	}
	req := s.request(cred, command)
	if err := s.cfg.Audit.Record(audit.Entry{
		Actor:      req.Actor,
		Action:     action,
		TargetNode: req.Node,
		Tier:       req.Tier.String(),
		Request: audit.Request{
			Source:      req.Source,
			Method:      req.Method,
			Command:     command,
			CommandHash: audit.HashCommand(command),
		},
		Result: audit.Result{Status: audit.StatusDenied},
		Reason: r.Reason,
	}); err != nil {
		s.logger.Error("audit write failed", "err", err)
	}
	s.logger.Warn("tool call rate limited", "identity", cred.Identity, "category", category)
	return &gateway.DeniedError{Command: command, Status: audit.StatusDenied, Reason: r.Reason, Tier: req.Tier}
}

// registerTools adds all tiergate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tiergate_exec",
		Description: "Run one allowlisted command on this node at the agent's credential tier. Denied commands return the reason and the verbs the tier allows.",
	}, s.handleExec)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tiergate_verbs",
		Description: "List the command verbs the agent's credential tier may run.",
	}, s.handleVerbs)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tiergate_actions",
		Description: "List enabled remediation actions with their required tier, risk level and parameters.",
	}, s.handleActions)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tiergate_run_action",
		Description: "Run a catalogued remediation action by id with its parameters.",
	}, s.handleRunAction)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tiergate_audit",
		Description: "Query the audit log of this node (read-only).",
	}, s.handleAudit)
}
