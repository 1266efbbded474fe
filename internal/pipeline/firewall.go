package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

// FirewallArtifact is the backup and lock name of the live nftables ruleset.
const FirewallArtifact = "firewall"

// ApplyFirewall loads an nftables candidate file. The live ruleset is
// snapshotted first and reloaded if the candidate fails to load or the
// probes fail afterwards.
func (p *Pipeline) ApplyFirewall(ctx context.Context, candidate string, probes []Probe) (*Report, error) {
	if info, err := os.Stat(candidate); err != nil {
		return nil, fmt.Errorf("candidate ruleset: %w", err)
	} else if info.Size() == 0 {
		return nil, fmt.Errorf("%w: candidate ruleset %s is empty", ErrBackupIntegrity, candidate)
	}

	lock, err := AcquireLock(ctx, p.opts.LockDir, p.opts.Node, FirewallArtifact, p.opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	start := time.Now()
	rep := &Report{Node: p.opts.Node, Artifact: FirewallArtifact}
	live := filepath.Join(p.opts.Backups.Root(), ".live", "firewall.nft")

	stages := []stage{
		{StepBackup, func(ctx context.Context) StepResult {
			out, err := p.opts.Exec.Run(ctx, []string{"nft", "list", "ruleset"})
			if err != nil {
				return fatal(fmt.Errorf("nft list ruleset: %w", err))
			}
			if out.ExitCode != 0 {
				return fatal(fmt.Errorf("nft list ruleset exited %d: %s", out.ExitCode, out.Stderr))
			}
			if err := os.MkdirAll(filepath.Dir(live), 0700); err != nil {
				return fatal(err)
			}
			if err := backup.WriteAtomic(live, []byte(out.Stdout), 0600); err != nil {
				return fatal(err)
			}
			m, err := p.opts.Backups.Snapshot(FirewallArtifact, []string{live})
			if err != nil {
				return fatal(err)
			}
			rep.BackupID = m.ID
			return ok()
		}},
		{StepValidate, func(ctx context.Context) StepResult {
			if err := run(ctx, p.opts.Exec, []string{"nft", "-c", "-f", candidate}); err != nil {
				return fatal(fmt.Errorf("%w: %v", ErrValidation, err))
			}
			return ok()
		}},
		{StepApply, func(ctx context.Context) StepResult {
			if err := run(ctx, p.opts.Exec, []string{"nft", "-f", candidate}); err != nil {
				return fatal(fmt.Errorf("%w: %v", ErrApply, err))
			}
			return ok()
		}},
		{StepHealthCheck, p.healthStage(probes, rep)},
	}

	plan := rollbackPlan{
		restore: func(ctx context.Context, m *backup.Manifest) error {
			if err := p.opts.Backups.Restore(m); err != nil {
				return err
			}
			return p.loadSnapshot(ctx, live)
		},
		probes: probes,
	}
	return p.finish(ctx, rep, start, p.sequence(ctx, stages, rep), plan)
}

// loadSnapshot replaces the live ruleset with the saved one in a single
// nft transaction.
func (p *Pipeline) loadSnapshot(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("saved ruleset is empty")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "rollback-*.nft")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString("flush ruleset\n" + string(data)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return run(ctx, p.opts.Exec, []string{"nft", "-f", tmp.Name()})
}
