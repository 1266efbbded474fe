package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck [target...]",
	Short: "Run the probes of managed targets",
	Long:  "Runs the configured probes for each named target (default: every\ntarget and the firewall). Exits 1 if any probe FAILs; WARN does not fail.",
	RunE:  runHealthcheck,
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	e := &env{cfg: cfg}
	names := args
	if len(names) == 0 {
		names = append(targetNames(cfg), pipeline.FirewallArtifact)
	}

	healthy := true
	for _, name := range names {
		var probes []pipeline.Probe
		if name == pipeline.FirewallArtifact {
			probes, err = e.firewallProbes()
		} else {
			var t pipeline.Target
			t, err = e.target(name)
			probes = t.Probes
		}
		if err != nil {
			return err
		}
		if len(probes) == 0 {
			continue
		}
		fmt.Printf("%s:\n", name)
		results, ok := pipeline.RunProbes(cmd.Context(), probes)
		for _, r := range results {
			fmt.Println("  " + r.Line())
		}
		healthy = healthy && ok
	}
	if !healthy {
		return &exitError{code: 1}
	}
	return nil
}
