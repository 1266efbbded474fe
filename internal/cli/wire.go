package cli

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/ppiankov/tiergate/internal/breakglass"
	"github.com/ppiankov/tiergate/internal/credential"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/principal"
	"github.com/ppiankov/tiergate/internal/remediation"
	"github.com/ppiankov/tiergate/internal/store"
)

func (e *env) sessions() (*breakglass.Manager, error) {
	return breakglass.NewManager(e.cfg.Paths.Sessions, breakglass.Options{
		MaxTTL:     e.cfg.Breakglass.MaxTTL,
		DefaultTTL: e.cfg.Breakglass.DefaultTTL,
		Audit:      e.audit,
		Alerts:     e.alerts,
		Logger:     e.logger,
	})
}

func (e *env) openDB(ctx context.Context) (*sql.DB, error) {
	return store.Open(ctx, e.cfg.Paths.Database)
}

func (e *env) actions(db *sql.DB) *remediation.Registry {
	return remediation.NewRegistry(db, e.audit, e.logger)
}

// gateway builds the command gateway. actions may be nil.
func (e *env) gateway(actions *remediation.Registry) (*gateway.Gateway, error) {
	opts := gateway.Options{
		Table: gateway.NewTable(gateway.TableConfig{
			Services:           e.cfg.Gateway.Services,
			DependencyServices: e.cfg.Gateway.DependencyServices,
			ComposeProject:     e.cfg.Gateway.ComposeProject,
			RedisHost:          e.cfg.Gateway.RedisHost,
			DenyPaths: []string{
				filepath.Dir(e.cfg.Credentials.SigningKey),
				filepath.Dir(e.cfg.Credentials.PublicKey),
				e.cfg.Paths.TrustDir,
				e.cfg.Paths.StateDir,
			},
		}),
		Executor:   gateway.ExecExecutor{},
		Audit:      e.audit,
		Alerts:     e.alerts,
		Logger:     e.logger,
		Timeout:    e.cfg.Gateway.Timeout,
		ConfigHash: e.hash,
	}
	if actions != nil {
		opts.Actions = actions
	}
	if e.cfg.Gateway.RequireSession {
		m, err := e.sessions()
		if err != nil {
			return nil, err
		}
		opts.Sessions = m
	}
	return gateway.New(opts)
}

func (e *env) issuer() (*credential.Issuer, error) {
	key, err := credential.LoadSigningKey(e.cfg.Credentials.SigningKey)
	if err != nil {
		return nil, err
	}
	return credential.NewIssuer(key, credential.StaticAuthorizer(e.cfg.IdentityTiers()), credential.Options{
		Issuer:           e.cfg.Credentials.Issuer,
		StandardLifetime: e.cfg.Credentials.StandardLifetime,
		ElevatedLifetime: e.cfg.Credentials.ElevatedLifetime,
		MaxLifetime:      e.cfg.Credentials.MaxLifetime,
		Audit:            e.audit,
		Logger:           e.logger,
	}), nil
}

func (e *env) verifier() (*credential.Verifier, error) {
	pub, err := credential.LoadPublicKey(e.cfg.Credentials.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("load public key: %w", err)
	}
	return credential.NewVerifier(pub, e.cfg.Credentials.Issuer, e.cfg.Credentials.MaxLifetime).
		WithElevatedLifetime(e.cfg.Credentials.ElevatedLifetime), nil
}

// principals opens the trust configuration. reload, when set, makes sshd
// pick up every accepted write.
func (e *env) principals(reload bool) *principal.FileRegistry {
	opts := principal.Options{
		Audit:  e.audit,
		Alerts: e.alerts,
		Logger: e.logger,
		Actor:  actor(),
	}
	if reload {
		opts.Reload = func(ctx context.Context) error {
			out, err := gateway.ExecExecutor{}.Run(ctx, []string{"systemctl", "reload", "ssh"})
			if err != nil {
				return err
			}
			if out.ExitCode != 0 {
				return fmt.Errorf("systemctl reload ssh exited %d: %s", out.ExitCode, out.Stderr)
			}
			return nil
		}
	}
	return principal.NewFileRegistry(e.cfg.Paths.TrustDir, opts)
}
