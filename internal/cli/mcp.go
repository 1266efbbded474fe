package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	tgmcp "github.com/ppiankov/tiergate/internal/mcp"
	"github.com/ppiankov/tiergate/internal/ratelimit"
)

var mcpTokenFile string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpTokenFile, "token-file", "", "Agent credential (default $"+EnvToken+")")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: `Runs tiergate as an MCP (Model Context Protocol) server over stdio.
The agent is bound to the credential it was started with; the credential
is re-verified on every tool call, so an expired credential stops
working mid-session.

Tools: tiergate_exec, tiergate_verbs, tiergate_actions,
tiergate_run_action, tiergate_audit.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	token := os.Getenv(EnvToken)
	if mcpTokenFile != "" {
		data, err := os.ReadFile(mcpTokenFile)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return fmt.Errorf("an agent credential is required (--token-file or $%s)", EnvToken)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	db, err := e.openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()
	actions := e.actions(db)

	gw, err := e.gateway(actions)
	if err != nil {
		return err
	}
	v, err := e.verifier()
	if err != nil {
		return err
	}

	srv, err := tgmcp.New(tgmcp.Config{
		Gateway:   gw,
		Actions:   actions,
		Verifier:  v,
		Token:     token,
		Node:      e.cfg.Node.ID,
		AuditPath: e.cfg.Paths.AuditLog,
		Version:   version,
		Logger:    e.logger,
		Limiter:   ratelimit.NewLimiter(e.cfg.MCP.RateLimits),
		Audit:     e.audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	e.logger.Info("MCP server running on stdio", "node", e.cfg.Node.ID)
	return srv.Run(cmd.Context())
}
