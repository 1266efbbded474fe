package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

type fakeService struct {
	validateErr error
	reloadErrs  []error
	onReload    func()
	validates   int
	reloads     int
}

func (s *fakeService) Name() string { return "fake" }

func (s *fakeService) Validate(context.Context, string) error {
	s.validates++
	return s.validateErr
}

func (s *fakeService) Reload(context.Context) error {
	s.reloads++
	if s.onReload != nil {
		s.onReload()
	}
	if len(s.reloadErrs) > 0 {
		err := s.reloadErrs[0]
		s.reloadErrs = s.reloadErrs[1:]
		return err
	}
	return nil
}

// fakeProbe returns statuses in order, repeating the last one.
type fakeProbe struct {
	name     string
	statuses []Status
	calls    int
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Check(context.Context) ProbeResult {
	st := p.statuses[len(p.statuses)-1]
	if p.calls < len(p.statuses) {
		st = p.statuses[p.calls]
	}
	p.calls++
	return ProbeResult{Name: p.name, Status: st, Message: string(st)}
}

// fakeExec answers by the argv prefix that matches first.
type fakeExec struct {
	mu      sync.Mutex
	replies map[string]*gateway.Output
	calls   [][]string
}

func (e *fakeExec) Run(_ context.Context, argv []string) (*gateway.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, argv)
	joined := strings.Join(argv, " ")
	best := ""
	for prefix := range e.replies {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, errors.New("unexpected command: " + joined)
	}
	out := *e.replies[best]
	return &out, nil
}

func (e *fakeExec) ran(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, mutate func(*Options)) (*Pipeline, *audit.Memory) {
	t.Helper()
	sink := &audit.Memory{}
	opts := Options{
		Backups: backup.NewStore(filepath.Join(t.TempDir(), "backups")),
		Node:    "edge-1",
		Actor:   "alice",
		LockDir: filepath.Join(t.TempDir(), "locks"),
		Audit:   sink,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p, sink
}
