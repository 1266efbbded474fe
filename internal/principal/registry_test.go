package principal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/tier"
)

func authorizedKey(t *testing.T) []byte {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return ssh.MarshalAuthorizedKey(sshPub)
}

func newTestRegistry(t *testing.T, reload ReloadFunc) (*FileRegistry, *audit.Memory) {
	t.Helper()
	sink := &audit.Memory{}
	r := NewFileRegistry(t.TempDir(), Options{Audit: sink, Reload: reload})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.SetTrustAnchor(context.Background(), authorizedKey(t)); err != nil {
		t.Fatalf("initial trust anchor: %v", err)
	}
	return r, sink
}

func TestSyncWritesDefaultMapping(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	got, err := r.Mapping()
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultMapping()
	for _, tt := range tier.All() {
		if len(got[tt]) != len(want[tt]) {
			t.Errorf("%s: expected %v, got %v", tt, want[tt], got[tt])
		}
	}
	if len(want[tier.Diag]) != 1 || len(want[tier.Root]) != 4 {
		t.Errorf("unexpected default mapping: %v", want)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestSyncKeepsExistingFiles(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if err := r.Add(ctx, tier.Root, "oncall"); err != nil {
		t.Fatal(err)
	}
	written, err := r.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Errorf("expected no files rewritten, got %v", written)
	}
	p, _ := r.Principals(tier.Root)
	if !contains(p, "oncall") {
		t.Error("sync overwrote an existing file")
	}
}

func TestResolve(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	tests := []struct {
		name      string
		presented []string
		want      tier.Tier
	}{
		{"diag only", []string{"diag"}, tier.Diag},
		{"remediate chain", []string{"diag", "remediate"}, tier.Remediate},
		{"breakglass chain", []string{"diag", "remediate", "breakglass"}, tier.Breakglass},
		{"full chain", []string{"root", "breakglass", "remediate", "diag"}, tier.Root},
		{"gap in chain", []string{"remediate"}, tier.Invalid},
		{"root without chain", []string{"root"}, tier.Invalid},
		{"nothing", nil, tier.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.presented)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAddValidPrincipal(t *testing.T) {
	calls := 0
	r, sink := newTestRegistry(t, func(context.Context) error { calls++; return nil })
	before := calls

	if err := r.Add(context.Background(), tier.Breakglass, "oncall"); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []tier.Tier{tier.Breakglass, tier.Root} {
		p, _ := r.Principals(tt)
		if !contains(p, "oncall") {
			t.Errorf("expected oncall in %s, got %v", tt, p)
		}
	}
	p, _ := r.Principals(tier.Remediate)
	if contains(p, "oncall") {
		t.Errorf("oncall leaked below breakglass: %v", p)
	}
	if calls != before+1 {
		t.Errorf("expected one reload, got %d", calls-before)
	}
	if len(sink.Entries()) != 0 {
		t.Error("successful write should not record a heal entry")
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("config should validate after add: %v", err)
	}
}

func TestAddWidensAccess(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if err := r.Add(ctx, tier.Breakglass, "oncall"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, tier.Diag, "monitor"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		presented []string
		want      tier.Tier
	}{
		{"default chain unchanged", []string{"diag", "remediate", "breakglass"}, tier.Breakglass},
		{"full chain unchanged", []string{"diag", "remediate", "breakglass", "root"}, tier.Root},
		{"added principal reaches breakglass", []string{"diag", "remediate", "oncall"}, tier.Breakglass},
		{"added principal on the way to root", []string{"diag", "remediate", "oncall", "root"}, tier.Root},
		{"added diag principal", []string{"monitor"}, tier.Diag},
		{"added diag principal in chain", []string{"monitor", "remediate"}, tier.Remediate},
		{"added principal alone", []string{"oncall"}, tier.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.presented)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRemoveCascadesUpward(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if err := r.Add(ctx, tier.Remediate, "oncall"); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(ctx, tier.Remediate, "oncall"); err != nil {
		t.Fatal(err)
	}
	for _, tt := range tier.All() {
		p, _ := r.Principals(tt)
		if contains(p, "oncall") {
			t.Errorf("oncall still listed for %s", tt)
		}
	}
}

func TestHigherTierPrincipalInLowerFileIsHealed(t *testing.T) {
	r, sink := newTestRegistry(t, nil)
	var before [][]byte
	for _, tt := range tier.All() {
		b, _ := os.ReadFile(r.principalsPath(tt))
		before = append(before, b)
	}

	err := r.Add(context.Background(), tier.Diag, "root")
	if !errors.Is(err, ErrTrustConfig) {
		t.Fatalf("expected ErrTrustConfig, got %v", err)
	}
	for i, tt := range tier.All() {
		after, _ := os.ReadFile(r.principalsPath(tt))
		if string(after) != string(before[i]) {
			t.Errorf("%s not restored: %q", tt, after)
		}
	}
	if got, _ := r.Resolve([]string{"root"}); got != tier.Invalid {
		t.Errorf("root principal alone resolved to %v", got)
	}
	if sink.Count(audit.Filter{Action: audit.ActionTrustConfigHealed}) != 1 {
		t.Error("expected one heal audit entry")
	}
}

func TestAddRejectsMalformedPrincipal(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	before, _ := os.ReadFile(r.principalsPath(tier.Diag))
	if err := r.Add(context.Background(), tier.Diag, "bad name"); err == nil {
		t.Fatal("expected error")
	}
	after, _ := os.ReadFile(r.principalsPath(tier.Diag))
	if string(before) != string(after) {
		t.Error("file changed after rejected add")
	}
}

func TestInvalidWriteIsHealed(t *testing.T) {
	tests := []struct {
		name   string
		tier   tier.Tier
		remove string
	}{
		{"own principal", tier.Remediate, "remediate"},
		{"breaks hierarchy", tier.Root, "diag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sink := newTestRegistry(t, nil)
			path := r.principalsPath(tt.tier)
			before, _ := os.ReadFile(path)

			err := r.Remove(context.Background(), tt.tier, tt.remove)
			if !errors.Is(err, ErrTrustConfig) {
				t.Fatalf("expected ErrTrustConfig, got %v", err)
			}
			after, _ := os.ReadFile(path)
			if string(before) != string(after) {
				t.Errorf("expected file restored, got %q", after)
			}
			if err := r.Validate(); err != nil {
				t.Errorf("config should be valid after heal: %v", err)
			}
			if sink.Count(audit.Filter{Action: audit.ActionTrustConfigHealed}) != 1 {
				t.Error("expected one heal audit entry")
			}
		})
	}
}

func TestBadTrustAnchorIsHealed(t *testing.T) {
	r, sink := newTestRegistry(t, nil)
	anchor := filepath.Join(r.Dir(), trustAnchor)
	before, _ := os.ReadFile(anchor)

	for _, bad := range [][]byte{
		[]byte("not a key"),
		append(authorizedKey(t), authorizedKey(t)...),
	} {
		if err := r.SetTrustAnchor(context.Background(), bad); !errors.Is(err, ErrTrustConfig) {
			t.Fatalf("expected ErrTrustConfig, got %v", err)
		}
		after, _ := os.ReadFile(anchor)
		if string(after) != string(before) {
			t.Fatal("trust anchor not restored")
		}
	}
	if _, err := r.TrustAnchor(); err != nil {
		t.Fatalf("restored anchor should parse: %v", err)
	}
	if n := sink.Count(audit.Filter{Action: audit.ActionTrustConfigHealed}); n != 2 {
		t.Errorf("expected 2 heal entries, got %d", n)
	}
}

func TestFirstTrustAnchorRemovedWhenInvalid(t *testing.T) {
	r := NewFileRegistry(t.TempDir(), Options{})
	r.Sync(context.Background())
	if err := r.SetTrustAnchor(context.Background(), []byte("garbage")); !errors.Is(err, ErrTrustConfig) {
		t.Fatalf("expected ErrTrustConfig, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), trustAnchor)); !os.IsNotExist(err) {
		t.Errorf("expected just-added anchor removed, stat err = %v", err)
	}
}

func TestReloadFailureRestoresPreviousConfig(t *testing.T) {
	fail := false
	calls := 0
	r, sink := newTestRegistry(t, func(context.Context) error {
		calls++
		if fail {
			fail = false
			return errors.New("sshd: bad configuration")
		}
		return nil
	})
	before := calls
	fail = true

	err := r.Add(context.Background(), tier.Root, "oncall")
	if !errors.Is(err, ErrTrustConfig) {
		t.Fatalf("expected ErrTrustConfig, got %v", err)
	}
	p, _ := r.Principals(tier.Root)
	if contains(p, "oncall") {
		t.Error("rejected principal still present")
	}
	if calls-before != 2 {
		t.Errorf("expected reload then restore reload, got %d calls", calls-before)
	}
	if sink.Count(audit.Filter{Action: audit.ActionTrustConfigHealed}) != 1 {
		t.Error("expected heal audit entry")
	}
}

func TestPrincipalsInvalidTier(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.Principals(tier.Invalid); !errors.Is(err, tier.ErrUnknown) {
		t.Fatalf("expected tier.ErrUnknown, got %v", err)
	}
}
