package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Caddyfile")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileSHA(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func alertServer(t *testing.T) (*alert.Dispatcher, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return alert.NewDispatcher([]alert.AlertConfig{
		{URL: srv.URL, Events: []string{alert.TypeRollback, alert.TypeRollbackFailed}},
	}, nil), &n
}

var headerBlock = []Block{{Name: "headers", Body: "header -Server"}}

func TestApplySucceeds(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{}
	probe := &fakeProbe{name: "https", statuses: []Status{StatusPass}}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc, Probes: []Probe{probe}}, Change{Blocks: headerBlock})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeApplied || rep.BackupID == "" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if svc.validates != 1 || svc.reloads != 1 || probe.calls != 1 {
		t.Errorf("validates=%d reloads=%d probes=%d", svc.validates, svc.reloads, probe.calls)
	}
	wantSteps := []Step{StepBackup, StepPatch, StepValidate, StepApply, StepHealthCheck}
	if len(rep.Steps) != len(wantSteps) {
		t.Fatalf("steps = %+v", rep.Steps)
	}
	for i, s := range wantSteps {
		if rep.Steps[i].Step != s || rep.Steps[i].Status != StepOK {
			t.Errorf("step %d = %+v, want %s ok", i, rep.Steps[i], s)
		}
	}
	if sink.Count(audit.Filter{Action: audit.ActionConfigApplied}) != 1 || len(sink.Entries()) != 1 {
		t.Errorf("expected one config_applied entry, got %+v", sink.Entries())
	}
}

func TestApplyTwiceIsUnchanged(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{}
	target := Target{Name: "proxy", Path: path, Service: svc}

	if _, err := p.Apply(context.Background(), target, Change{Blocks: headerBlock}); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(path)

	rep, err := p.Apply(context.Background(), target, Change{Blocks: headerBlock})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeUnchanged {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	if svc.reloads != 1 {
		t.Errorf("unchanged run reloaded the service (%d reloads)", svc.reloads)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Error("second apply changed the artifact")
	}
}

func TestValidationFailureRestoresBackup(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{validateErr: errors.New("Error: adapting config using caddyfile: unknown directive")}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if svc.reloads != 0 {
		t.Error("service reloaded after failed validation")
	}
	got, _ := os.ReadFile(path)
	if string(got) != caddyfile {
		t.Errorf("artifact not restored:\n%s", got)
	}
	m, _ := p.opts.Backups.Latest("proxy")
	if fileSHA(t, path) != m.Files[0].SHA256 {
		t.Error("artifact does not match backup checksum")
	}
	if rep.Outcome != OutcomeRejected {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	if sink.Count(audit.Filter{Action: audit.ActionConfigRejected}) != 1 {
		t.Error("expected a config_rejected entry")
	}
}

func TestHealthFailureRollsBack(t *testing.T) {
	alerts, received := alertServer(t)
	p, sink := newTestPipeline(t, func(o *Options) { o.Alerts = alerts })
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{}
	probe := &fakeProbe{name: "https", statuses: []Status{StatusFail, StatusPass}}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc, Probes: []Probe{probe}}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrHealthCheck) {
		t.Fatalf("expected ErrHealthCheck, got %v", err)
	}
	if rep.Outcome != OutcomeRolledBack {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if svc.reloads != 2 {
		t.Errorf("expected apply reload plus rollback reload, got %d", svc.reloads)
	}
	if probe.calls != 2 {
		t.Errorf("expected health re-run once after rollback, got %d calls", probe.calls)
	}
	m, _ := p.opts.Backups.Latest("proxy")
	if m.ID != rep.BackupID || fileSHA(t, path) != m.Files[0].SHA256 {
		t.Error("artifact does not match the run's backup")
	}
	if sink.Count(audit.Filter{Action: audit.ActionConfigRolledBack}) != 1 {
		t.Error("expected a config_rolled_back entry")
	}
	alerts.Wait()
	if received.Load() != 1 {
		t.Errorf("expected 1 alert, got %d", received.Load())
	}
}

func TestHealthFailureIsNotRetried(t *testing.T) {
	p, _ := newTestPipeline(t, func(o *Options) { o.Retries = 2 })
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{}
	probe := &fakeProbe{name: "https", statuses: []Status{StatusFail, StatusPass}}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc, Probes: []Probe{probe}}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrHealthCheck) {
		t.Fatalf("expected ErrHealthCheck, got %v", err)
	}
	if rep.Outcome != OutcomeRolledBack {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if probe.calls != 2 {
		t.Errorf("expected one health check and one post-rollback check, got %d", probe.calls)
	}
	for _, s := range rep.Steps {
		if s.Step == StepHealthCheck && (s.Attempts != 1 || s.Status != StepFatal) {
			t.Errorf("health step = %+v", s)
		}
	}
	m, _ := p.opts.Backups.Latest("proxy")
	if fileSHA(t, path) != m.Files[0].SHA256 {
		t.Error("artifact not restored")
	}
}

func TestRollbackFailureNeedsHuman(t *testing.T) {
	alerts, received := alertServer(t)
	p, sink := newTestPipeline(t, func(o *Options) { o.Alerts = alerts })
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{}
	probe := &fakeProbe{name: "https", statuses: []Status{StatusFail}}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc, Probes: []Probe{probe}}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrHumanInterventionRequired) {
		t.Fatalf("expected ErrHumanInterventionRequired, got %v", err)
	}
	if !errors.Is(err, ErrHealthCheck) {
		t.Errorf("original failure lost: %v", err)
	}
	if rep.Outcome != OutcomeRollbackFailed {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	if probe.calls != 2 {
		t.Errorf("rollback must not be retried, got %d probe runs", probe.calls)
	}
	if sink.Count(audit.Filter{Action: audit.ActionRollbackFailed}) != 1 {
		t.Error("expected a config_rollback_failed entry")
	}
	alerts.Wait()
	if received.Load() != 1 {
		t.Errorf("expected 1 alert, got %d", received.Load())
	}
}

func TestRollbackRefusesTamperedBackup(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{reloadErrs: []error{errors.New("reload failed")}}
	svc.onReload = func() {
		m, err := p.opts.Backups.Latest("proxy")
		if err != nil {
			return
		}
		copyPath := filepath.Join(p.opts.Backups.Root(), "proxy", m.ID, m.Files[0].Name)
		os.WriteFile(copyPath, []byte("tampered\n"), 0600)
	}

	_, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrHumanInterventionRequired) || !errors.Is(err, ErrApply) {
		t.Fatalf("expected ErrHumanInterventionRequired wrapping ErrApply, got %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) == "tampered\n" {
		t.Error("tampered backup was restored")
	}
	if svc.reloads != 1 {
		t.Errorf("service reloaded after refused restore: %d", svc.reloads)
	}
}

func TestApplyRetriesReload(t *testing.T) {
	p, _ := newTestPipeline(t, func(o *Options) { o.Retries = 1 })
	path := writeArtifact(t, caddyfile)
	svc := &fakeService{reloadErrs: []error{errors.New("busy")}}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc}, Change{Blocks: headerBlock})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomeApplied {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	for _, s := range rep.Steps {
		if s.Step == StepApply && s.Attempts != 2 {
			t.Errorf("apply attempts = %d", s.Attempts)
		}
	}
}

func TestEmptyArtifactAbortsBeforeMutation(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	path := writeArtifact(t, "")
	svc := &fakeService{}

	rep, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: svc}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrBackupIntegrity) {
		t.Fatalf("expected ErrBackupIntegrity, got %v", err)
	}
	if got, _ := os.ReadFile(path); len(got) != 0 {
		t.Error("artifact mutated after backup failure")
	}
	if svc.validates != 0 || svc.reloads != 0 {
		t.Error("service touched after backup failure")
	}
	if rep.Outcome != OutcomeRejected || sink.Count(audit.Filter{Action: audit.ActionConfigRejected}) != 1 {
		t.Errorf("unexpected outcome %s", rep.Outcome)
	}
}

func TestConcurrentRunIsBusy(t *testing.T) {
	p, _ := newTestPipeline(t, func(o *Options) { o.LockWait = 50 * time.Millisecond })
	held, err := AcquireLock(context.Background(), p.opts.LockDir, "edge-1", "proxy", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	path := writeArtifact(t, caddyfile)
	_, err = p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: &fakeService{}}, Change{Blocks: headerBlock})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	other := writeArtifact(t, caddyfile)
	if _, err := p.Apply(context.Background(), Target{Name: "other", Path: other, Service: &fakeService{}}, Change{Blocks: headerBlock}); err != nil {
		t.Fatalf("different artifact should not be blocked: %v", err)
	}
}

func TestReplaceContent(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	path := writeArtifact(t, caddyfile)
	next := "example.org {\n\trespond 204\n}\n"

	if _, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: &fakeService{}}, Change{Content: []byte(next)}); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != next {
		t.Errorf("got %q", got)
	}
	if _, err := p.Apply(context.Background(), Target{Name: "proxy", Path: path, Service: &fakeService{}}, Change{Content: []byte{}}); !errors.Is(err, ErrBackupIntegrity) {
		t.Errorf("empty replacement must be refused, got %v", err)
	}
}

func TestNewRequiresBackupStore(t *testing.T) {
	if _, err := New(Options{Node: "edge-1"}); err == nil {
		t.Error("expected error without backup store")
	}
}
