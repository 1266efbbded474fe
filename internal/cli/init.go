package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/credential"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/remediation"
	"github.com/ppiankov/tiergate/internal/systemd"
)

var (
	initInstallSystemd bool
	initForce          bool
	initUnitDir        string
)

func init() {
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the sweep timer and catalog watcher units (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	initCmd.Flags().StringVar(&initUnitDir, "unit-dir", systemd.UnitDir, "Where to install systemd units")
	initCmd.Flags().MarkHidden("unit-dir")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap tiergate configuration and optional systemd integration",
	Long: `Creates the config file, the default remediation catalog, the state
directories, and the credential signing keypair if they do not exist.

With --install-systemd: installs tiergate-sweep.timer, which expires
breakglass sessions and marks silent nodes offline, and
tiergate-catalog.service, which re-seeds the action registry whenever
the catalog changes.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.Resolve(configPath)
	var created []string

	if wrote, err := writeIfMissing(path, config.DefaultConfigYAML(), 0o644); err != nil {
		return err
	} else if wrote {
		created = append(created, path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	catalog, err := remediation.DefaultCatalog().YAML()
	if err != nil {
		return fmt.Errorf("render default catalog: %w", err)
	}
	if wrote, err := writeIfMissing(cfg.Paths.Catalog, string(catalog), 0o644); err != nil {
		return err
	} else if wrote {
		created = append(created, cfg.Paths.Catalog)
	}

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.Sessions, cfg.Paths.BackupDir, cfg.Paths.LockDir, cfg.Paths.TrustDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(cfg.Credentials.SigningKey); os.IsNotExist(err) {
		pub, priv, err := credential.GenerateKeypair()
		if err != nil {
			return err
		}
		if err := credential.SaveKeypair(cfg.Credentials.SigningKey, cfg.Credentials.PublicKey, pub, priv); err != nil {
			return err
		}
		created = append(created, cfg.Credentials.SigningKey, cfg.Credentials.PublicKey)
	}

	if initInstallSystemd {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("--install-systemd is only supported on Linux")
		}
		if initUnitDir == systemd.UnitDir && os.Geteuid() != 0 {
			return fmt.Errorf("--install-systemd requires root; run with sudo")
		}
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate tiergate binary: %w", err)
		}
		written, err := systemd.Install(initUnitDir, systemd.Units(binary, path), initForce)
		created = append(created, written...)
		if err != nil {
			return err
		}
		if initUnitDir == systemd.UnitDir {
			out, err := gateway.ExecExecutor{}.Run(cmd.Context(), []string{"systemctl", "daemon-reload"})
			if err != nil || out.ExitCode != 0 {
				fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed\n")
			}
		}
	}

	fmt.Println("tiergate init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, p := range created {
			fmt.Printf("  %s\n", p)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Next:")
	fmt.Println("  tiergate principals trust <ca.pub> && tiergate principals sync")
	fmt.Println("  tiergate actions seed")
	fmt.Println("  tiergate node register")
	if initInstallSystemd {
		fmt.Println("  sudo systemctl enable --now tiergate-sweep.timer tiergate-catalog.service")
	}
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string, mode os.FileMode) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
