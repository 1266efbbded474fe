// Package remediation holds the closed catalog of pre-approved operations.
// Actions are seeded from a versioned YAML catalog with an idempotent
// upsert, are never deleted (only disabled), and are rendered to command
// lines that the gateway authorizes like any other command.
package remediation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/tier"
)

var (
	ErrNotFound       = errors.New("remediation action not found")
	ErrDisabled       = errors.New("remediation action is disabled")
	ErrInvalidParam   = errors.New("invalid action parameter")
	ErrInvalidCatalog = errors.New("invalid remediation catalog")
)

// Action is a stored catalog record.
type Action struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CommandTemplate string    `json:"command_template"`
	RequiredTier    tier.Tier `json:"required_tier"`
	Risk            Risk      `json:"risk_level"`
	Enabled         bool      `json:"enabled"`
	CatalogVersion  string    `json:"catalog_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Resolved is an action rendered with its parameters.
type Resolved struct {
	ActionID     string    `json:"action_id"`
	Command      string    `json:"command"`
	RequiredTier tier.Tier `json:"required_tier"`
	Risk         Risk      `json:"risk_level"`
}

// UpsertReport summarizes a seed.
type UpsertReport struct {
	Version  string   `json:"version"`
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	Disabled []string `json:"disabled,omitempty"`
}

// Registry persists actions in the store database.
type Registry struct {
	db     *sql.DB
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

var _ gateway.ActionResolver = (*Registry)(nil)

// NewRegistry wraps an opened store database. sink may be nil.
func NewRegistry(db *sql.DB, sink audit.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = audit.Discard
	}
	return &Registry{
		db:     db,
		audit:  sink,
		logger: logging.OrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert seeds the catalog. Every listed action is inserted or updated and
// its updated_at bumped; stored actions missing from the catalog are
// disabled. Running it twice with the same catalog leaves one row per id.
func (r *Registry) Upsert(ctx context.Context, c *Catalog) (*UpsertReport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM remediation_actions`)
	if err != nil {
		return nil, fmt.Errorf("list existing actions: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := r.now().UnixMilli()
	report := &UpsertReport{Version: c.Version}
	listed := map[string]bool{}
	for _, a := range c.Actions {
		listed[a.ID] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO remediation_actions
				(id, name, description, command_template, required_tier, risk_level, enabled, catalog_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				command_template = excluded.command_template,
				required_tier = excluded.required_tier,
				risk_level = excluded.risk_level,
				enabled = excluded.enabled,
				catalog_version = excluded.catalog_version,
				updated_at = excluded.updated_at`,
			a.ID, a.Name, a.Description, a.CommandTemplate, strings.ToLower(a.RequiredTier),
			a.RiskLevel, boolInt(a.IsEnabled()), c.Version, now, now)
		if err != nil {
			return nil, fmt.Errorf("upsert action %s: %w", a.ID, err)
		}
		if existing[a.ID] {
			report.Updated++
		} else {
			report.Inserted++
		}
	}

	for id := range existing {
		if listed[id] {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE remediation_actions SET enabled = 0, updated_at = ? WHERE id = ? AND enabled = 1`, now, id)
		if err != nil {
			return nil, fmt.Errorf("disable action %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			report.Disabled = append(report.Disabled, id)
		}
	}
	sort.Strings(report.Disabled)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}

	r.logger.Info("remediation catalog seeded",
		"version", c.Version, "inserted", report.Inserted, "updated", report.Updated, "disabled", len(report.Disabled))
	r.record(audit.Entry{
		Actor:   "tiergate",
		Action:  audit.ActionCatalogSeeded,
		Request: audit.Request{Method: "catalog"},
		Result:  audit.Result{Status: audit.StatusOK},
		Metadata: map[string]string{
			"version":  c.Version,
			"inserted": fmt.Sprint(report.Inserted),
			"updated":  fmt.Sprint(report.Updated),
			"disabled": strings.Join(report.Disabled, ","),
		},
	})
	return report, nil
}

// Get returns one action, enabled or not.
func (r *Registry) Get(ctx context.Context, id string) (*Action, error) {
	row := r.db.QueryRowContext(ctx, selectAction+` WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// List returns actions ordered by id.
func (r *Registry) List(ctx context.Context, includeDisabled bool) ([]Action, error) {
	q := selectAction
	if !includeDisabled {
		q += ` WHERE enabled = 1`
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Disable turns an action off. It stays in the table so audit references
// keep resolving.
func (r *Registry) Disable(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE remediation_actions SET enabled = 0, updated_at = ? WHERE id = ?`, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("disable action %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Resolve renders an enabled action with params. Every placeholder must
// be supplied, no extra params are accepted, and each value must pass the
// gateway argument charset.
func (r *Registry) Resolve(ctx context.Context, id string, params map[string]string) (*Resolved, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}

	names := Placeholders(a.CommandTemplate)
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
		v, ok := params[n]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidParam, n)
		}
		if err := gateway.CheckArg(v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParam, n, err)
		}
		if strings.HasPrefix(v, "-") {
			return nil, fmt.Errorf("%w: %s: value must not start with '-'", ErrInvalidParam, n)
		}
	}
	for k := range params {
		if !want[k] {
			return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidParam, k)
		}
	}

	cmd := placeholder.ReplaceAllStringFunc(a.CommandTemplate, func(m string) string {
		return params[placeholder.FindStringSubmatch(m)[1]]
	})
	return &Resolved{
		ActionID:     a.ID,
		Command:      cmd,
		RequiredTier: a.RequiredTier,
		Risk:         a.Risk,
	}, nil
}

// ResolveAction implements gateway.ActionResolver.
func (r *Registry) ResolveAction(ctx context.Context, id string, params map[string]string) (*gateway.ResolvedAction, error) {
	res, err := r.Resolve(ctx, id, params)
	if err != nil {
		return nil, err
	}
	return &gateway.ResolvedAction{
		ID:       res.ActionID,
		Command:  res.Command,
		Required: res.RequiredTier,
		Risk:     string(res.Risk),
	}, nil
}

func (r *Registry) record(e audit.Entry) {
	if err := r.audit.Record(e); err != nil {
		r.logger.Error("audit write failed", "action", e.Action, "err", err)
	}
}

const selectAction = `SELECT id, name, description, command_template, required_tier, risk_level,
	enabled, catalog_version, created_at, updated_at FROM remediation_actions`

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (*Action, error) {
	var (
		a                    Action
		reqTier, risk        string
		enabled              int
		createdAt, updatedAt int64
	)
	err := s.Scan(&a.ID, &a.Name, &a.Description, &a.CommandTemplate, &reqTier, &risk,
		&enabled, &a.CatalogVersion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t, err := tier.Parse(reqTier)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", a.ID, err)
	}
	a.RequiredTier = t
	a.Risk = Risk(risk)
	a.Enabled = enabled == 1
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
