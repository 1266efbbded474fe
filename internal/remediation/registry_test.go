package remediation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/store"
	"github.com/ppiankov/tiergate/internal/tier"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.Memory) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	sink := &audit.Memory{}
	return NewRegistry(db, sink, nil), sink
}

func seeded(t *testing.T) *Registry {
	t.Helper()
	r, _ := newTestRegistry(t)
	if _, err := r.Upsert(context.Background(), DefaultCatalog()); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDefaultCatalogValid(t *testing.T) {
	if err := DefaultCatalog().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertTwiceOneRowPerID(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }

	first, err := r.Upsert(ctx, DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	n := len(DefaultCatalog().Actions)
	if first.Inserted != n || first.Updated != 0 {
		t.Errorf("first seed: expected %d inserted, got %+v", n, first)
	}
	before, _ := r.Get(ctx, "restart-proxy")

	r.now = func() time.Time { return t0.Add(time.Minute) }
	second, err := r.Upsert(ctx, DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if second.Inserted != 0 || second.Updated != n {
		t.Errorf("second seed: expected %d updated, got %+v", n, second)
	}

	all, err := r.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != n {
		t.Fatalf("expected %d rows, got %d", n, len(all))
	}
	after, _ := r.Get(ctx, "restart-proxy")
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at not advanced: %s -> %s", before.UpdatedAt, after.UpdatedAt)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("created_at changed: %s -> %s", before.CreatedAt, after.CreatedAt)
	}
	if sink.Count(audit.Filter{Action: audit.ActionCatalogSeeded}) != 2 {
		t.Error("expected a seed audit entry per upsert")
	}
}

func TestUpsertDisablesMissingActions(t *testing.T) {
	r := seeded(t)
	ctx := context.Background()

	c := DefaultCatalog()
	c.Version = "2026.10.2"
	c.Actions = c.Actions[:len(c.Actions)-1]
	dropped := DefaultCatalog().Actions[len(DefaultCatalog().Actions)-1].ID

	report, err := r.Upsert(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Disabled) != 1 || report.Disabled[0] != dropped {
		t.Fatalf("expected %s disabled, got %v", dropped, report.Disabled)
	}
	a, err := r.Get(ctx, dropped)
	if err != nil {
		t.Fatalf("disabled action must still exist: %v", err)
	}
	if a.Enabled {
		t.Error("expected action disabled")
	}
	enabled, _ := r.List(ctx, false)
	for _, e := range enabled {
		if e.ID == dropped {
			t.Error("disabled action listed as enabled")
		}
	}

	again, _ := r.Upsert(ctx, c)
	if len(again.Disabled) != 0 {
		t.Errorf("already disabled actions should not be reported again: %v", again.Disabled)
	}
}

func TestDisable(t *testing.T) {
	r := seeded(t)
	ctx := context.Background()
	if err := r.Disable(ctx, "flush-redis"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, "flush-redis", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if err := r.Disable(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	r := seeded(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "restart-proxy", map[string]string{"service": "caddy"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Command != "systemctl restart caddy" || res.RequiredTier != tier.Remediate || res.Risk != RiskLow {
		t.Errorf("unexpected resolution: %+v", res)
	}

	tests := []struct {
		name   string
		id     string
		params map[string]string
		want   error
	}{
		{"missing param", "restart-proxy", nil, ErrInvalidParam},
		{"extra param", "flush-redis", map[string]string{"db": "0"}, ErrInvalidParam},
		{"metachar", "restart-proxy", map[string]string{"service": "caddy;reboot"}, ErrInvalidParam},
		{"space", "restart-proxy", map[string]string{"service": "caddy nginx"}, ErrInvalidParam},
		{"option injection", "restart-container", map[string]string{"container": "--all"}, ErrInvalidParam},
		{"unknown", "format-disk", nil, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Resolve(ctx, tt.id, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no version", "actions: []"},
		{"diag tier", "version: '1'\nactions:\n  - {id: a, name: A, command_template: uptime, required_tier: diag, risk_level: low}"},
		{"bad risk", "version: '1'\nactions:\n  - {id: a, name: A, command_template: uptime, required_tier: remediate, risk_level: extreme}"},
		{"metachar template", "version: '1'\nactions:\n  - {id: a, name: A, command_template: 'uptime; reboot', required_tier: remediate, risk_level: low}"},
		{"duplicate", "version: '1'\nactions:\n  - {id: a, name: A, command_template: uptime, required_tier: remediate, risk_level: low}\n  - {id: a, name: B, command_template: uptime, required_tier: remediate, risk_level: low}"},
		{"bad id", "version: '1'\nactions:\n  - {id: 'A B', name: A, command_template: uptime, required_tier: remediate, risk_level: low}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}
}

func TestCatalogYAMLRoundTrip(t *testing.T) {
	data, err := DefaultCatalog().YAML()
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		t.Fatalf("rendered catalog does not parse: %v", err)
	}
	if len(c.Actions) != len(DefaultCatalog().Actions) {
		t.Errorf("expected %d actions, got %d", len(DefaultCatalog().Actions), len(c.Actions))
	}
}

type stubExecutor struct{ argv [][]string }

func (s *stubExecutor) Run(_ context.Context, argv []string) (*gateway.Output, error) {
	s.argv = append(s.argv, argv)
	return &gateway.Output{}, nil
}

func TestRegistryNeverSelfAuthorizes(t *testing.T) {
	r := seeded(t)
	exec := &stubExecutor{}
	sink := &audit.Memory{}
	gw, err := gateway.New(gateway.Options{
		Table:    gateway.NewTable(gateway.TableConfig{Services: []string{"caddy"}, DependencyServices: []string{"redis-server"}}),
		Executor: exec,
		Audit:    sink,
		Actions:  r,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	req := gateway.Request{Actor: "bob", Node: "edge-1", Tier: tier.Remediate}

	if _, err := gw.HandleAction(ctx, req, "flush-redis", nil); err == nil {
		t.Fatal("remediate must not run a breakglass action")
	}
	if _, err := gw.HandleAction(ctx, req, "restart-proxy", map[string]string{"service": "caddy"}); err != nil {
		t.Fatalf("expected restart-proxy to run, got %v", err)
	}
	if len(exec.argv) != 1 {
		t.Fatalf("expected one execution, got %v", exec.argv)
	}
	if n := sink.Count(audit.Filter{Action: audit.ActionRemediation}); n != 2 {
		t.Errorf("expected 2 remediation entries, got %d", n)
	}
}

func TestWatcherReseedsOnChange(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "actions.yaml")
	data, _ := DefaultCatalog().YAML()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(r, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond
	seeded := make(chan *UpsertReport, 4)
	w.onSeed = func(rep *UpsertReport, err error) {
		if err == nil {
			seeded <- rep
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	c := DefaultCatalog()
	c.Version = "2026.10.9"
	data, _ = c.YAML()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case rep := <-seeded:
		if rep.Version != "2026.10.9" {
			t.Errorf("expected new version, got %s", rep.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not re-seed")
	}
	a, err := r.Get(context.Background(), "restart-proxy")
	if err != nil {
		t.Fatal(err)
	}
	if a.CatalogVersion != "2026.10.9" {
		t.Errorf("expected catalog version recorded, got %s", a.CatalogVersion)
	}
}
