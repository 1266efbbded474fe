// Package pipeline applies configuration changes to managed services as a
// strictly sequential state machine:
//
//	Backup -> Patch -> Validate -> Apply -> HealthCheck -> {Success | Rollback}
//
// Every failure goes through one rollback handler. A rollback that does not
// leave the node healthy ends in ErrHumanInterventionRequired and is never
// retried.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

// DefaultLockWait is how long a run waits for a concurrent run to finish.
const DefaultLockWait = 30 * time.Second

// Step names a pipeline stage.
type Step string

const (
	StepBackup      Step = "backup"
	StepPatch       Step = "patch"
	StepValidate    Step = "validate"
	StepApply       Step = "apply"
	StepHealthCheck Step = "healthcheck"
	StepRollback    Step = "rollback"
)

// StepStatus is how a stage ended.
type StepStatus string

const (
	StepOK        StepStatus = "ok"
	StepRetryable StepStatus = "retryable"
	StepFatal     StepStatus = "fatal"
)

// StepResult is the outcome of one stage. Final ends the run early with
// success, as when a patch changes nothing.
type StepResult struct {
	Step     Step       `json:"step"`
	Status   StepStatus `json:"status"`
	Err      error      `json:"-"`
	Attempts int        `json:"attempts"`
	Final    bool       `json:"final,omitempty"`
}

// Outcome summarises a run.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeRejected       Outcome = "rejected"
	OutcomeRolledBack     Outcome = "rolled_back"
	OutcomeRollbackFailed Outcome = "rollback_failed"
)

// Report describes a finished run.
type Report struct {
	Node           string        `json:"node"`
	Artifact       string        `json:"artifact"`
	BackupID       string        `json:"backup_id,omitempty"`
	Outcome        Outcome       `json:"outcome"`
	Inserted       []string      `json:"inserted,omitempty"`
	Steps          []StepResult  `json:"steps"`
	Probes         []ProbeResult `json:"probes,omitempty"`
	RollbackProbes []ProbeResult `json:"rollback_probes,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Target is one managed artifact.
type Target struct {
	Name    string
	Path    string
	Service Service
	Probes  []Probe
}

// Change is what to do to a target. Content, when set, replaces the file
// before Blocks are inserted.
type Change struct {
	Content []byte
	Blocks  []Block
}

// Options configures a Pipeline.
type Options struct {
	Backups     *backup.Store
	Node        string
	Actor       string
	LockDir     string
	LockWait    time.Duration
	KeepBackups int
	Retries     int
	RetryDelay  time.Duration
	Exec        gateway.Executor
	Audit       audit.Sink
	Alerts      *alert.Dispatcher
	Logger      *slog.Logger
	ConfigHash  string
}

// Pipeline runs config changes for one node.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and fills defaults.
func New(opts Options) (*Pipeline, error) {
	if opts.Backups == nil {
		return nil, errors.New("pipeline: backup store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("pipeline: audit sink is required")
	}
	if opts.Node == "" {
		return nil, errors.New("pipeline: node id is required")
	}
	if opts.LockDir == "" {
		opts.LockDir = filepath.Join(opts.Backups.Root(), ".locks")
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Exec == nil {
		opts.Exec = gateway.ExecExecutor{}
	}
	if opts.Actor == "" {
		opts.Actor = "tiergate"
	}
	return &Pipeline{opts: opts, logger: logging.OrDiscard(opts.Logger)}, nil
}

type stage struct {
	step Step
	run  func(ctx context.Context) StepResult
}

// rollbackPlan is how a run undoes itself. revert undoes a candidate the
// service rejected and is nil when nothing was written; restore puts the
// snapshot back and makes the service load it.
type rollbackPlan struct {
	revert  func(m *backup.Manifest) error
	restore func(ctx context.Context, m *backup.Manifest) error
	probes  []Probe
}

// Apply runs the full pipeline for t.
func (p *Pipeline) Apply(ctx context.Context, t Target, ch Change) (*Report, error) {
	if t.Service == nil {
		return nil, errors.New("pipeline: target has no service")
	}
	if ch.Content != nil && len(ch.Content) == 0 {
		return nil, fmt.Errorf("%w: replacement content is empty", ErrBackupIntegrity)
	}

	lock, err := AcquireLock(ctx, p.opts.LockDir, p.opts.Node, t.Name, p.opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	start := time.Now()
	rep := &Report{Node: p.opts.Node, Artifact: t.Name}
	stages := []stage{
		{StepBackup, func(context.Context) StepResult {
			m, err := p.opts.Backups.Snapshot(t.Name, []string{t.Path})
			if err != nil {
				return fatal(err)
			}
			rep.BackupID = m.ID
			return ok()
		}},
		{StepPatch, func(context.Context) StepResult {
			inserted, changed, err := writeChange(t.Path, ch)
			if err != nil {
				return fatal(err)
			}
			rep.Inserted = inserted
			if !changed {
				return StepResult{Status: StepOK, Final: true}
			}
			return ok()
		}},
		{StepValidate, func(ctx context.Context) StepResult {
			if err := t.Service.Validate(ctx, t.Path); err != nil {
				return fatal(fmt.Errorf("%w: %v", ErrValidation, err))
			}
			return ok()
		}},
		{StepApply, func(ctx context.Context) StepResult {
			if err := t.Service.Reload(ctx); err != nil {
				return retryable(fmt.Errorf("%w: %v", ErrApply, err))
			}
			return ok()
		}},
		{StepHealthCheck, p.healthStage(t.Probes, rep)},
	}

	plan := rollbackPlan{
		revert: p.opts.Backups.Restore,
		restore: func(ctx context.Context, m *backup.Manifest) error {
			if err := p.opts.Backups.Restore(m); err != nil {
				return err
			}
			return t.Service.Reload(ctx)
		},
		probes: t.Probes,
	}
	return p.finish(ctx, rep, start, p.sequence(ctx, stages, rep), plan)
}

// sequence runs stages in order. A retryable result is re-run up to
// Retries times; the first result that is not ok stops the run.
func (p *Pipeline) sequence(ctx context.Context, stages []stage, rep *Report) *StepResult {
	for _, s := range stages {
		var res StepResult
		for attempt := 1; ; attempt++ {
			res = s.run(ctx)
			res.Step = s.step
			res.Attempts = attempt
			if res.Status != StepRetryable || attempt > p.opts.Retries || ctx.Err() != nil {
				break
			}
			p.logger.Warn("pipeline step failed, retrying",
				"artifact", rep.Artifact, "step", s.step, "attempt", attempt, "err", res.Err)
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.RetryDelay):
			}
		}
		rep.Steps = append(rep.Steps, res)
		if res.Status != StepOK {
			return &res
		}
		if res.Final {
			break
		}
	}
	return nil
}

// healthStage runs the probes once. A FAIL is fatal: a later PASS must not
// turn a failed change into an applied one.
func (p *Pipeline) healthStage(probes []Probe, rep *Report) func(context.Context) StepResult {
	return func(ctx context.Context) StepResult {
		results, healthy := RunProbes(ctx, probes)
		rep.Probes = results
		if !healthy {
			return fatal(fmt.Errorf("%w: %s", ErrHealthCheck, failing(results)))
		}
		return ok()
	}
}

// rollback is the single recovery path for every failed stage.
func (p *Pipeline) rollback(ctx context.Context, plan rollbackPlan, failed *StepResult, rep *Report) (Outcome, error) {
	switch failed.Step {
	case StepBackup, StepPatch:
		return OutcomeRejected, failed.Err
	case StepValidate:
		if plan.revert == nil {
			return OutcomeRejected, failed.Err
		}
		m, err := p.opts.Backups.Latest(rep.Artifact)
		if err == nil {
			err = plan.revert(m)
		}
		rep.Steps = append(rep.Steps, stepResult(StepRollback, err))
		if err != nil {
			return OutcomeRollbackFailed, fmt.Errorf("%w: restore: %v (original failure: %w)", ErrHumanInterventionRequired, err, failed.Err)
		}
		return OutcomeRejected, failed.Err
	}

	p.logger.Warn("rolling back", "artifact", rep.Artifact, "failed_step", failed.Step, "err", failed.Err)
	m, err := p.opts.Backups.Latest(rep.Artifact)
	if err == nil {
		err = plan.restore(ctx, m)
	}
	if err == nil {
		results, healthy := RunProbes(ctx, plan.probes)
		rep.RollbackProbes = results
		if !healthy {
			err = fmt.Errorf("still unhealthy after rollback: %s", failing(results))
		}
	}
	rep.Steps = append(rep.Steps, stepResult(StepRollback, err))
	if err != nil {
		return OutcomeRollbackFailed, fmt.Errorf("%w: %v (original failure: %w)", ErrHumanInterventionRequired, err, failed.Err)
	}
	return OutcomeRolledBack, failed.Err
}

func (p *Pipeline) finish(ctx context.Context, rep *Report, start time.Time, failed *StepResult, plan rollbackPlan) (*Report, error) {
	var err error
	switch {
	case failed != nil:
		rep.Outcome, err = p.rollback(ctx, plan, failed, rep)
	case len(rep.Steps) > 0 && rep.Steps[len(rep.Steps)-1].Final:
		rep.Outcome = OutcomeUnchanged
	default:
		rep.Outcome = OutcomeApplied
	}
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Error = err.Error()
	}

	p.report(rep)
	if rep.Outcome == OutcomeApplied && p.opts.KeepBackups > 0 {
		if removed, perr := p.opts.Backups.Prune(rep.Artifact, p.opts.KeepBackups); perr != nil {
			p.logger.Warn("backup prune failed", "artifact", rep.Artifact, "err", perr)
		} else if len(removed) > 0 {
			p.logger.Debug("pruned backups", "artifact", rep.Artifact, "removed", len(removed))
		}
	}
	return rep, err
}

// report writes the audit entry and raises alerts for a finished run.
func (p *Pipeline) report(rep *Report) {
	action, status := audit.ActionConfigApplied, audit.StatusOK
	var alertType string
	switch rep.Outcome {
	case OutcomeRejected:
		action, status = audit.ActionConfigRejected, audit.StatusFailed
	case OutcomeRolledBack:
		action, alertType = audit.ActionConfigRolledBack, alert.TypeRollback
	case OutcomeRollbackFailed:
		action, status, alertType = audit.ActionRollbackFailed, audit.StatusFailed, alert.TypeRollbackFailed
	}

	meta := map[string]string{
		"artifact": rep.Artifact,
		"outcome":  string(rep.Outcome),
	}
	if rep.BackupID != "" {
		meta["backup_id"] = rep.BackupID
	}
	if len(rep.Inserted) > 0 {
		meta["inserted"] = strings.Join(rep.Inserted, ",")
	}
	for _, s := range rep.Steps {
		if s.Status != StepOK && s.Step != StepRollback {
			meta["failed_step"] = string(s.Step)
		}
	}

	entry := audit.Entry{
		Actor:      p.opts.Actor,
		Action:     action,
		TargetNode: rep.Node,
		Request:    audit.Request{Method: "pipeline", Command: rep.Artifact},
		Result:     audit.Result{Status: status, DurationMS: rep.Duration.Milliseconds()},
		Reason:     rep.Error,
		Metadata:   meta,
		ConfigHash: p.opts.ConfigHash,
	}
	if err := p.opts.Audit.Record(entry); err != nil {
		p.logger.Error("audit write failed", "action", action, "artifact", rep.Artifact, "err", err)
	}

	level := slog.LevelInfo
	if status != audit.StatusOK || alertType != "" {
		level = slog.LevelWarn
	}
	if rep.Outcome == OutcomeRollbackFailed {
		level = slog.LevelError
	}
	p.logger.Log(context.Background(), level, "config change finished",
		"artifact", rep.Artifact, "outcome", rep.Outcome, "backup", rep.BackupID, "err", rep.Error)

	if alertType != "" && p.opts.Alerts != nil {
		p.opts.Alerts.Dispatch(alert.AlertEvent{
			Type:    alertType,
			Actor:   p.opts.Actor,
			Node:    rep.Node,
			Subject: rep.Artifact,
			Reason:  rep.Error,
		})
	}
}

// writeChange applies ch to the file at path in a single atomic write.
func writeChange(path string, ch Change) ([]string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	current, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	content := current
	if ch.Content != nil {
		content = ch.Content
	}
	patched, inserted, err := Patch(content, ch.Blocks)
	if err != nil {
		return nil, false, err
	}
	if bytes.Equal(patched, current) {
		return inserted, false, nil
	}
	if err := backup.WriteAtomic(path, patched, info.Mode().Perm()); err != nil {
		return nil, false, fmt.Errorf("write %s: %w", path, err)
	}
	return inserted, true, nil
}

func failing(results []ProbeResult) string {
	var names []string
	for _, r := range results {
		if r.Status == StatusFail {
			names = append(names, r.Name+" ("+r.Message+")")
		}
	}
	return strings.Join(names, "; ")
}

func ok() StepResult { return StepResult{Status: StepOK} }

func fatal(err error) StepResult { return StepResult{Status: StepFatal, Err: err} }

func retryable(err error) StepResult { return StepResult{Status: StepRetryable, Err: err} }

func stepResult(step Step, err error) StepResult {
	if err != nil {
		return StepResult{Step: step, Status: StepFatal, Err: err, Attempts: 1}
	}
	return StepResult{Step: step, Status: StepOK, Attempts: 1}
}
