package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/tiergate/internal/gateway"
)

// Service is the managed daemon whose configuration the pipeline changes.
type Service interface {
	Name() string
	Validate(ctx context.Context, path string) error
	Reload(ctx context.Context) error
}

// CommandService validates and reloads by running the service's own tooling.
// "{path}" in the validate argv is replaced with the artifact path.
type CommandService struct {
	name     string
	validate []string
	reload   []string
	exec     gateway.Executor
}

// NewService returns the CommandService for a known kind. unit defaults
// to the kind.
func NewService(kind, unit string, exec gateway.Executor) (*CommandService, error) {
	if unit == "" {
		unit = kind
	}
	if exec == nil {
		exec = gateway.ExecExecutor{}
	}
	s := &CommandService{name: kind, exec: exec, reload: []string{"systemctl", "reload", unit}}
	switch kind {
	case "caddy":
		s.validate = []string{"caddy", "validate", "--config", "{path}", "--adapter", "caddyfile"}
	case "nginx":
		s.validate = []string{"nginx", "-t", "-c", "{path}"}
	default:
		return nil, fmt.Errorf("unknown service kind %q", kind)
	}
	return s, nil
}

// Name returns the service kind.
func (s *CommandService) Name() string { return s.name }

// Validate checks the config at path without touching the running service.
func (s *CommandService) Validate(ctx context.Context, path string) error {
	argv := make([]string, len(s.validate))
	for i, a := range s.validate {
		argv[i] = strings.ReplaceAll(a, "{path}", path)
	}
	return run(ctx, s.exec, argv)
}

// Reload asks the service manager to reload the unit.
func (s *CommandService) Reload(ctx context.Context) error {
	return run(ctx, s.exec, s.reload)
}

func run(ctx context.Context, exec gateway.Executor, argv []string) error {
	out, err := exec.Run(ctx, argv)
	if err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(out.Stdout)
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("%s exited %d: %s", strings.Join(argv, " "), out.ExitCode, msg)
	}
	return nil
}
