package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Session methods
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// SessionFilters represents filters for session records
type SessionFilters struct {
	Role      *uwb.Role
	Status    *models.SessionStatus
	StartTime *time.Time
	EndTime   *time.Time
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	SessionID *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

func validateSession(session *models.Session) error {
	if !session.Role.Valid() {
		return ErrInvalidData
	}
	switch session.Status {
	case models.SessionStatusHandshaking, models.SessionStatusRanging,
		models.SessionStatusStopped, models.SessionStatusFailed:
	default:
		return ErrInvalidData
	}
	return nil
}
