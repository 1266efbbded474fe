package pipeline

import (
	"errors"

	"github.com/ppiankov/tiergate/internal/pipeline/backup"
)

var (
	// ErrBackupIntegrity aborts a run before anything is mutated.
	ErrBackupIntegrity = backup.ErrIntegrity
	// ErrValidation means the service rejected the candidate config.
	ErrValidation = errors.New("config validation failed")
	// ErrApply means the service could not load the candidate config.
	ErrApply = errors.New("config apply failed")
	// ErrHealthCheck means a probe failed after apply.
	ErrHealthCheck = errors.New("health check failed")
	// ErrHumanInterventionRequired means rollback did not restore a healthy
	// state. Never retried.
	ErrHumanInterventionRequired = errors.New("rollback failed: human intervention required")
	// ErrBusy means another run holds the lock for this node and artifact.
	ErrBusy = errors.New("another config change is in progress")
	// ErrMarker means a marker block is malformed.
	ErrMarker = errors.New("malformed marker block")
)
