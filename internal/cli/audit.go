package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/audit"
)

var (
	tailLines   int
	queryFilter audit.Filter
	querySince  time.Duration
	queryFrom   string
	queryTo     string
	queryJSON   bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")

	f := auditQueryCmd.Flags()
	f.StringVar(&queryFilter.Node, "node", "", "Only entries for this node")
	f.StringVar(&queryFilter.Actor, "actor", "", "Only entries by this actor")
	f.StringVar(&queryFilter.Tier, "tier", "", "Only entries at this tier")
	f.StringVar(&queryFilter.Action, "action", "", "Only entries with this action (command, remediation, breakglass_created, ...)")
	f.StringVar(&queryFilter.Status, "status", "", "Only entries with this result (executed, denied, blocked, ...)")
	f.IntVar(&queryFilter.Limit, "limit", 0, "Keep only the newest N matches")
	f.DurationVar(&querySince, "since", 0, "Only entries newer than this (e.g. 1h)")
	f.StringVar(&queryFrom, "from", "", "Lower time bound (RFC3339)")
	f.StringVar(&queryTo, "to", "", "Upper time bound (RFC3339)")
	f.BoolVar(&queryJSON, "json", false, "Output as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.\nThe log path defaults to paths.audit_log from the config.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query [path]",
	Short: "Filter audit entries by node, actor, tier, result, and time",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditQuery,
}

// auditPath never opens the log for writing, so reading commands work
// against a log owned by another user.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.AuditLog, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	return &exitError{code: 1, msg: fmt.Sprintf("FAILED at line %d: %s", result.ErrorLine, result.Error)}
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	res, err := audit.Query(path, audit.Filter{Limit: tailLines})
	if err != nil {
		return err
	}
	for _, e := range res.Entries {
		out, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	filter := queryFilter
	if querySince > 0 {
		filter.From = time.Now().Add(-querySince)
	}
	if queryFrom != "" {
		if filter.From, err = time.Parse(time.RFC3339, queryFrom); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	if queryTo != "" {
		if filter.To, err = time.Parse(time.RFC3339, queryTo); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}

	res, err := audit.Query(path, filter)
	if err != nil {
		return err
	}
	if queryJSON {
		out, err := audit.FormatJSON(res)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, out)
		return nil
	}
	fmt.Print(audit.FormatTable(res))
	return nil
}
