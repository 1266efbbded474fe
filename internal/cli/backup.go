package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/pipeline"
	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

var backupNoReload bool

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupRestoreCmd.Flags().BoolVar(&backupNoReload, "no-reload", false, "Restore files without reloading the service")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect and restore config snapshots",
	Long:  "Snapshots are taken by the change pipeline before every write. Each\ncarries a manifest with SHA-256 checksums; restore refuses a snapshot\nwhose files do not match.",
}

var backupListCmd = &cobra.Command{
	Use:   "list [artifact]",
	Short: "List snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupList,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [artifact] [id]",
	Short: "Check a snapshot's checksums (default latest)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBackupVerify,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [target] [id]",
	Short: "Restore a snapshot (default latest) and reload the service",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBackupRestore,
}

func manifest(s *backup.Store, args []string) (*backup.Manifest, error) {
	if len(args) == 2 {
		return s.Get(args[0], args[1])
	}
	return s.Latest(args[0])
}

func runBackupList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	list, err := backup.NewStore(cfg.Paths.BackupDir).List(args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Printf("No snapshots for %s.\n", args[0])
		return nil
	}
	fmt.Printf("%-32s %-20s %s\n", "ID", "CREATED", "FILES")
	for _, m := range list {
		fmt.Printf("%-32s %-20s %d\n", m.ID, m.CreatedAt.Format(time.DateTime), len(m.Files))
	}
	return nil
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s := backup.NewStore(cfg.Paths.BackupDir)
	m, err := manifest(s, args)
	if err != nil {
		return err
	}
	if err := s.Verify(m); err != nil {
		return err
	}
	fmt.Printf("OK: %s/%s, %d file(s) verified\n", m.Artifact, m.ID, len(m.Files))
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	s := e.backups()
	m, err := manifest(s, args)
	if err != nil {
		return err
	}
	var svc pipeline.Service
	if !backupNoReload && m.Artifact != pipeline.FirewallArtifact {
		t, err := e.target(m.Artifact)
		if err != nil {
			return err
		}
		svc = t.Service
	}
	if err := s.Restore(m); err != nil {
		return err
	}
	fmt.Printf("Restored %s/%s\n", m.Artifact, m.ID)
	if svc == nil {
		return nil
	}
	if err := svc.Reload(cmd.Context()); err != nil {
		return fmt.Errorf("%w: reload %s after restore: %v", pipeline.ErrHumanInterventionRequired, svc.Name(), err)
	}
	fmt.Printf("Reloaded %s\n", svc.Name())
	return nil
}
