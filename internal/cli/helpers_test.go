package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/config"
)

// testConfig writes a config whose paths all live under a temp dir and
// points --config at it. extra is appended verbatim.
func testConfig(t *testing.T, extra string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`node:
  id: edge-1
  address: 10.0.0.1
paths:
  state_dir: %[1]s/state
  audit_log: %[1]s/audit.jsonl
  database: %[1]s/state/tiergate.db
  sessions: %[1]s/state/sessions
  trust_dir: %[1]s/trust
  backup_dir: %[1]s/state/backups
  lock_dir: %[1]s/locks
  catalog: %[1]s/actions.yaml
credentials:
  signing_key: %[1]s/signing.key
  public_key: %[1]s/signing.pub
log:
  level: error
gateway:
  require_session: false
identities:
  alice: breakglass
  ci-bot: diag
%[2]s`, dir, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	resetFlags(t)
	configPath = path
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	return cfg, path
}

// resetFlags restores package-level flag values after the test.
func resetFlags(t *testing.T) {
	t.Helper()
	saved := struct {
		configPath, logLevel, gateTokenFile, gateActor, gateTier string
		gatePrincipals, actionParams                             []string
		initForce, initInstallSystemd, principalsNoReload        bool
		credSession, credIdentity, credTier                      string
	}{configPath, logLevel, gateTokenFile, gateActor, gateTier,
		gatePrincipals, actionParams, initForce, initInstallSystemd, principalsNoReload,
		credSession, credIdentity, credTier}
	t.Cleanup(func() {
		configPath, logLevel = saved.configPath, saved.logLevel
		gateTokenFile, gateActor, gateTier = saved.gateTokenFile, saved.gateActor, saved.gateTier
		gatePrincipals, actionParams = saved.gatePrincipals, saved.actionParams
		initForce, initInstallSystemd = saved.initForce, saved.initInstallSystemd
		principalsNoReload = saved.principalsNoReload
		credSession, credIdentity, credTier = saved.credSession, saved.credIdentity, saved.credTier
	})
	gateTokenFile, gateActor, gateTier = "", "", ""
	gatePrincipals, actionParams = nil, nil
	t.Setenv(EnvToken, "")
	t.Setenv("SSH_CONNECTION", "")
	t.Setenv("USER", "alice")
	t.Setenv("SUDO_USER", "")
}

func testCmd(name string) *cobra.Command {
	cmd := &cobra.Command{Use: name}
	cmd.SetContext(context.Background())
	return cmd
}
