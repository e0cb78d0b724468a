package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
)

const eventColumns = "id, created_at, session_id, type, level, code, description, details"

// CreateEventLog appends an entry to the event log
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO event_logs (` + eventColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.SessionID, string(event.Type),
		string(event.Level), event.Code, event.Description, event.Details,
	)

	return mapError(err)
}

// ListEventLogs lists event log entries matching filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	q := newFilterQuery("event_logs")
	if filters.SessionID != nil {
		q.add("session_id", "=", *filters.SessionID)
	}
	if filters.Type != nil {
		q.add("type", "=", string(*filters.Type))
	}
	if filters.Level != nil {
		q.add("level", "=", string(*filters.Level))
	}
	q.window(filters.StartTime, filters.EndTime)

	var count int64
	countQuery, args := q.countSQL()
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery, args := q.pageSQL(eventColumns, limit, offset)
	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var sessionID uuid.NullUUID
		var typ, level string

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &sessionID, &typ, &level,
			&event.Code, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		if sessionID.Valid {
			id := sessionID.UUID
			event.SessionID = &id
		}
		event.Type = models.EventType(typ)
		event.Level = models.EventLevel(level)

		events = append(events, event)
	}

	return events, count, rows.Err()
}
