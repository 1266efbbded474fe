package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/gateway"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"denied", &gateway.DeniedError{Status: "denied"}, exitDenied},
		{"wrapped denied", fmt.Errorf("gate: %w", &gateway.DeniedError{Status: "blocked"}), exitDenied},
		{"config", fmt.Errorf("%w: bad ttl", config.ErrInvalid), exitConfig},
		{"explicit", &exitError{code: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestActorPrefersSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "bob")
	t.Setenv("USER", "root")
	if got := actor(); got != "bob" {
		t.Errorf("actor = %q, want bob", got)
	}
	t.Setenv("SUDO_USER", "")
	if got := actor(); got != "root" {
		t.Errorf("actor = %q, want root", got)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"service=caddy", "lines=200"})
	if err != nil {
		t.Fatal(err)
	}
	if got["service"] != "caddy" || got["lines"] != "200" {
		t.Errorf("unexpected params: %v", got)
	}
	for _, bad := range []string{"service", "=caddy"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"gate", "credential", "keygen", "breakglass", "principals", "audit",
		"actions", "config", "backup", "healthcheck", "node", "mcp", "init", "version"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}
