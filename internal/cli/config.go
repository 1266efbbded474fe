package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/pipeline"
)

var (
	applyBlocks  []string
	applyContent string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configApplyCmd)
	configCmd.AddCommand(configFirewallCmd)

	configApplyCmd.Flags().StringArrayVar(&applyBlocks, "block", nil, "Managed block as name=file (repeatable)")
	configApplyCmd.Flags().StringVar(&applyContent, "content", "", "Replace the whole file with this file's content first")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check tiergate's config and apply changes to managed service configs",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the tiergate config file",
	RunE:  runConfigCheck,
}

var configApplyCmd = &cobra.Command{
	Use:   "apply [target]",
	Short: "Change a managed config file with backup, validation, and rollback",
	Long: `Runs the change pipeline for a configured target:

  backup -> patch -> validate -> apply -> health check

Managed blocks are inserted between "# BEGIN tiergate:<name>" and
"# END tiergate:<name>" markers; a block that is already present is left
untouched. A validation failure restores the backup without reloading.
A failed reload or health check restores the backup, reloads, and
re-probes. If that also fails the command exits non-zero and asks for
human intervention.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigApply,
}

var configFirewallCmd = &cobra.Command{
	Use:   "firewall [candidate.nft]",
	Short: "Load an nftables ruleset with snapshot and rollback",
	Long:  "Snapshots the live ruleset, dry-runs the candidate with nft -c, loads it,\nand runs the firewall probes. Any failure reloads the snapshot.\nThe candidate defaults to pipeline.firewall.ruleset.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigFirewall,
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	path := config.Resolve(configPath)
	cfg, hash, err := config.LoadWithHash(path)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %s\n", path)
	fmt.Printf("Node:    %s\n", cfg.Node.ID)
	fmt.Printf("Targets: %d\n", len(cfg.Pipeline.Targets))
	fmt.Printf("Hash:    %s\n", hash)
	return nil
}

func runConfigApply(cmd *cobra.Command, args []string) error {
	var ch pipeline.Change
	for _, spec := range applyBlocks {
		b, err := readBlock(spec)
		if err != nil {
			return err
		}
		ch.Blocks = append(ch.Blocks, b)
	}
	if applyContent != "" {
		data, err := os.ReadFile(applyContent)
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		ch.Content = data
	}
	if ch.Content == nil && len(ch.Blocks) == 0 {
		return fmt.Errorf("nothing to apply: pass --block or --content")
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	t, err := e.target(args[0])
	if err != nil {
		return err
	}
	p, err := e.pipeline()
	if err != nil {
		return err
	}
	rep, err := p.Apply(cmd.Context(), t, ch)
	if rep != nil {
		printReport(rep)
	}
	return err
}

func runConfigFirewall(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	candidate := e.cfg.Pipeline.Firewall.Ruleset
	if len(args) == 1 {
		candidate = args[0]
	}
	probes, err := e.firewallProbes()
	if err != nil {
		return err
	}
	p, err := e.pipeline()
	if err != nil {
		return err
	}
	rep, err := p.ApplyFirewall(cmd.Context(), candidate, probes)
	if rep != nil {
		printReport(rep)
	}
	return err
}
