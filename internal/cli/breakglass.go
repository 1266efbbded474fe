package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/breakglass"
)

var (
	bgJustification string
	bgTTL           time.Duration
	bgNode          string
)

func init() {
	rootCmd.AddCommand(breakglassCmd)
	breakglassCmd.AddCommand(breakglassCreateCmd)
	breakglassCmd.AddCommand(breakglassListCmd)
	breakglassCmd.AddCommand(breakglassRevokeCmd)
	breakglassCmd.AddCommand(breakglassSweepCmd)

	breakglassCreateCmd.Flags().StringVar(&bgJustification, "justification", "", "Why elevated access is needed (required, at least 20 characters)")
	breakglassCreateCmd.Flags().DurationVar(&bgTTL, "ttl", 0, "Session length (default breakglass.default_ttl, capped at breakglass.max_ttl)")
	breakglassCreateCmd.Flags().StringVar(&bgNode, "node", "", "Target node (default this node)")
	breakglassCreateCmd.MarkFlagRequired("justification")
}

var breakglassCmd = &cobra.Command{
	Use:   "breakglass",
	Short: "Manage time-boxed emergency sessions",
}

var breakglassCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a breakglass session for the current operator",
	Long:  "Opens a session that lets the operator obtain breakglass credentials\nfor one node until it expires or is revoked. Creation and expiry are\naudited and alerted.",
	RunE:  runBreakglassCreate,
}

var breakglassListCmd = &cobra.Command{
	Use:   "list",
	Short: "List breakglass sessions",
	RunE:  runBreakglassList,
}

var breakglassRevokeCmd = &cobra.Command{
	Use:   "revoke [session-id]",
	Short: "End a breakglass session immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakglassRevoke,
}

var breakglassSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark sessions past their expiry as expired",
	RunE:  runBreakglassSweep,
}

func withSessions(fn func(*env, *breakglass.Manager) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	m, err := e.sessions()
	if err != nil {
		return err
	}
	return fn(e, m)
}

func runBreakglassCreate(cmd *cobra.Command, args []string) error {
	return withSessions(func(e *env, m *breakglass.Manager) error {
		node := bgNode
		if node == "" {
			node = e.cfg.Node.ID
		}
		s, err := m.Create(breakglass.Request{
			Requester:     actor(),
			TargetNode:    node,
			Justification: bgJustification,
			TTL:           bgTTL,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Breakglass session opened: %s\n", s.ID)
		fmt.Printf("Requester: %s\n", s.Requester)
		fmt.Printf("Node:      %s\n", s.TargetNode)
		fmt.Printf("Expires:   %s\n", s.ExpiresAt.Format(time.RFC3339))
		fmt.Println()
		fmt.Printf("Issue an elevated credential with:\n  tiergate credential issue --identity %s --tier breakglass --session %s\n", s.Requester, s.ID)
		return nil
	})
}

func runBreakglassList(cmd *cobra.Command, args []string) error {
	return withSessions(func(e *env, m *breakglass.Manager) error {
		sessions, err := m.List()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No breakglass sessions.")
			return nil
		}
		now := time.Now()
		fmt.Printf("%-34s %-9s %-12s %-14s %-25s\n", "ID", "STATUS", "REQUESTER", "NODE", "EXPIRES")
		for i := range sessions {
			s := &sessions[i]
			fmt.Printf("%-34s %-9s %-12s %-14s %-25s\n",
				s.ID, breakglass.EffectiveStatus(s, now), s.Requester, s.TargetNode, s.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
}

func runBreakglassRevoke(cmd *cobra.Command, args []string) error {
	return withSessions(func(e *env, m *breakglass.Manager) error {
		s, err := m.Revoke(args[0], actor())
		if err != nil {
			return err
		}
		fmt.Printf("Session %s is %s\n", s.ID, s.Status)
		return nil
	})
}

func runBreakglassSweep(cmd *cobra.Command, args []string) error {
	return withSessions(func(e *env, m *breakglass.Manager) error {
		n, err := m.Sweep()
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d session(s)\n", n)
		return nil
	})
}
