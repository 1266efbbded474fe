// Package node tracks managed nodes. Nodes are created on first
// registration, refreshed by heartbeats, and never deleted: a node that
// stops reporting is moved to offline.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Status is the last known health of a node.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// ParseStatus fails closed: anything unrecognized is an error.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusHealthy, StatusDegraded, StatusOffline, StatusUnknown:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown node status %q", s)
	}
}

// Node is a registered managed target.
type Node struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when no node has the requested id.
var ErrNotFound = errors.New("node not found")

var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Registry persists nodes in sqlite.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry wraps an opened store database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Register creates the node or refreshes its address. Status starts unknown
// until the first heartbeat.
func (r *Registry) Register(ctx context.Context, id, address string) (*Node, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("invalid node id %q", id)
	}
	if address == "" {
		return nil, fmt.Errorf("node %s: address is required", id)
	}
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, address, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address, last_seen = excluded.last_seen`,
		id, address, string(StatusUnknown), now, now)
	if err != nil {
		return nil, fmt.Errorf("register node %s: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Heartbeat records a liveness report with the node's self-assessed status.
func (r *Registry) Heartbeat(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), r.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkStale moves nodes that have not reported within maxSilence to offline.
// Returns the number of nodes transitioned.
func (r *Registry) MarkStale(ctx context.Context, maxSilence time.Duration) (int, error) {
	cutoff := r.now().Add(-maxSilence).Unix()
	res, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET status = ? WHERE last_seen < ? AND status != ?`,
		string(StatusOffline), cutoff, string(StatusOffline))
	if err != nil {
		return 0, fmt.Errorf("mark stale nodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns one node.
func (r *Registry) Get(ctx context.Context, id string) (*Node, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, address, status, last_seen, created_at FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, err
}

// List returns all nodes ordered by id.
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, address, status, last_seen, created_at FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*Node, error) {
	var (
		n                   Node
		status              string
		lastSeen, createdAt int64
	)
	if err := s.Scan(&n.ID, &n.Address, &status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	n.Status = Status(status)
	n.LastSeen = time.Unix(lastSeen, 0).UTC()
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &n, nil
}
