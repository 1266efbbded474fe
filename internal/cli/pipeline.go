package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/pipeline"
	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

// Retry policy for the reload and health check steps.
const (
	pipelineRetries    = 2
	pipelineRetryDelay = 3 * time.Second
)

var errUnknownTarget = errors.New("unknown pipeline target")

func (e *env) backups() *backup.Store {
	return backup.NewStore(e.cfg.Paths.BackupDir)
}

func (e *env) pipeline() (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Options{
		Backups:     e.backups(),
		Node:        e.cfg.Node.ID,
		Actor:       actor(),
		LockDir:     e.cfg.Paths.LockDir,
		LockWait:    e.cfg.Pipeline.LockWait,
		KeepBackups: e.cfg.Pipeline.KeepBackups,
		Retries:     pipelineRetries,
		RetryDelay:  pipelineRetryDelay,
		Exec:        gateway.ExecExecutor{},
		Audit:       e.audit,
		Alerts:      e.alerts,
		Logger:      e.logger,
		ConfigHash:  e.hash,
	})
}

// target builds a configured pipeline target by name.
func (e *env) target(name string) (pipeline.Target, error) {
	tc, ok := e.cfg.Pipeline.Targets[name]
	if !ok {
		return pipeline.Target{}, fmt.Errorf("%w %q (configured: %s)", errUnknownTarget, name, strings.Join(targetNames(e.cfg), ", "))
	}
	exec := gateway.ExecExecutor{}
	svc, err := pipeline.NewService(tc.Service, tc.Unit, exec)
	if err != nil {
		return pipeline.Target{}, err
	}
	probes, err := pipeline.NewProbes(tc.Probes, exec)
	if err != nil {
		return pipeline.Target{}, err
	}
	return pipeline.Target{Name: name, Path: tc.Artifact, Service: svc, Probes: probes}, nil
}

func (e *env) firewallProbes() ([]pipeline.Probe, error) {
	return pipeline.NewProbes(e.cfg.Pipeline.Firewall.Probes, gateway.ExecExecutor{})
}

func targetNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Pipeline.Targets))
	for n := range cfg.Pipeline.Targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func printReport(rep *pipeline.Report) {
	fmt.Printf("%s on %s: %s", rep.Artifact, rep.Node, rep.Outcome)
	if rep.BackupID != "" {
		fmt.Printf(" (backup %s)", rep.BackupID)
	}
	fmt.Println()
	for _, s := range rep.Steps {
		line := fmt.Sprintf("  %-12s %s", s.Step, s.Status)
		if s.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", s.Attempts)
		}
		if s.Err != nil {
			line += ": " + s.Err.Error()
		}
		fmt.Println(line)
	}
	if len(rep.Inserted) > 0 {
		fmt.Printf("  inserted blocks: %s\n", strings.Join(rep.Inserted, ", "))
	}
	for _, r := range rep.Probes {
		fmt.Println("  " + r.Line())
	}
	if len(rep.RollbackProbes) > 0 {
		fmt.Println("  after rollback:")
		for _, r := range rep.RollbackProbes {
			fmt.Println("    " + r.Line())
		}
	}
}

// readBlock parses name=file into a marker block.
func readBlock(spec string) (pipeline.Block, error) {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return pipeline.Block{}, fmt.Errorf("invalid --block %q (want name=file)", spec)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Block{}, fmt.Errorf("read block %s: %w", name, err)
	}
	return pipeline.Block{Name: name, Body: string(body)}, nil
}
