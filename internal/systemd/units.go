// Package systemd renders the unit files tiergate installs on a node.
package systemd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnitDir is where units are installed.
const UnitDir = "/etc/systemd/system"

// Unit is one rendered unit file.
type Unit struct {
	Name    string
	Content string
}

// Units returns the sweep service and timer and the catalog watcher,
// invoking binary with configPath.
func Units(binary, configPath string) []Unit {
	flags := "--config " + configPath
	return []Unit{
		{Name: "tiergate-sweep.service", Content: SweepService(binary, flags)},
		{Name: "tiergate-sweep.timer", Content: SweepTimer()},
		{Name: "tiergate-catalog.service", Content: CatalogService(binary, flags)},
	}
}

// SweepService expires breakglass sessions and marks silent nodes offline.
func SweepService(binary, flags string) string {
	return fmt.Sprintf(`[Unit]
Description=tiergate session and node sweep
After=network-online.target

[Service]
Type=oneshot
ExecStart=%[1]s %[2]s breakglass sweep
ExecStart=%[1]s %[2]s node sweep
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=full
ProtectHome=true
`, binary, flags)
}

// SweepTimer runs the sweep once a minute so that expiry is recorded
// promptly even when no one reads the sessions.
func SweepTimer() string {
	return `[Unit]
Description=Run tiergate sweep every minute

[Timer]
OnBootSec=1min
OnUnitActiveSec=1min
AccuracySec=5s

[Install]
WantedBy=timers.target
`
}

// CatalogService keeps the action registry in sync with the catalog file.
func CatalogService(binary, flags string) string {
	return fmt.Sprintf(`[Unit]
Description=tiergate remediation catalog watcher
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s %s actions seed --watch
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=full
ProtectHome=true

[Install]
WantedBy=multi-user.target
`, binary, flags)
}

// Install writes units into dir. Existing files are kept unless force is
// set. It returns the paths written.
func Install(dir string, units []Unit, force bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create unit directory: %w", err)
	}
	var written []string
	for _, u := range units {
		if strings.ContainsAny(u.Name, "/\\") {
			return written, fmt.Errorf("invalid unit name %q", u.Name)
		}
		path := filepath.Join(dir, u.Name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				continue
			}
		}
		if err := os.WriteFile(path, []byte(u.Content), 0o644); err != nil {
			return written, fmt.Errorf("write systemd unit: %w", err)
		}
		written = append(written, path)
	}
	return written, nil
}
