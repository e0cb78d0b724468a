package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

const sessionColumns = `id, created_at, updated_at, role, status, attempts,
               session_id, channel, preamble_index, local_address, peer_address,
               update_rate, failure_stage, failure_reason, started_at, ended_at,
               updates, last_distance, last_azimuth, last_elevation`

// ========== Session Methods ==========

// CreateSession creates a session record
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	session.StampCreate(time.Now())

	query := `
        INSERT INTO ranging_sessions (` + sessionColumns + `)
        VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
            $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
        )`

	_, err := s.getDB().ExecContext(ctx, query, sessionArgs(session)...)
	return mapError(err)
}

// UpdateSession updates a session record
func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	session.StampUpdate(time.Now())

	query := `
        UPDATE ranging_sessions SET
            created_at = $2, updated_at = $3, role = $4, status = $5,
            attempts = $6, session_id = $7, channel = $8, preamble_index = $9,
            local_address = $10, peer_address = $11, update_rate = $12,
            failure_stage = $13, failure_reason = $14, started_at = $15,
            ended_at = $16, updates = $17, last_distance = $18,
            last_azimuth = $19, last_elevation = $20
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, sessionArgs(session)...)
	if err != nil {
		return mapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession gets a session record
func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM ranging_sessions WHERE id = $1`

	session, err := scanSession(s.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

// ListSessions lists session records with filters, newest first
func (s *PostgresStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	q := newFilterQuery("ranging_sessions")
	if filters.Role != nil {
		q.add("role", "=", string(*filters.Role))
	}
	if filters.Status != nil {
		q.add("status", "=", string(*filters.Status))
	}
	q.window(filters.StartTime, filters.EndTime)

	var count int64
	countQuery, args := q.countSQL()
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery, args := q.pageSQL(sessionColumns, limit, offset)
	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}

	return sessions, count, rows.Err()
}

func sessionArgs(session *models.Session) []interface{} {
	var dist, az, el sql.NullFloat64
	if p := session.LastPosition; p != nil {
		dist = sql.NullFloat64{Float64: p.Distance, Valid: true}
		az = sql.NullFloat64{Float64: p.Azimuth, Valid: true}
		el = sql.NullFloat64{Float64: p.Elevation, Valid: true}
	}

	return []interface{}{
		session.ID, session.CreatedAt, session.UpdatedAt,
		string(session.Role), string(session.Status), session.Attempts,
		session.SessionID, session.Channel, session.PreambleIndex,
		[]byte(session.LocalAddress), []byte(session.PeerAddress),
		string(session.UpdateRate), session.FailureStage, session.FailureReason,
		session.StartedAt, session.EndedAt, session.Updates,
		dist, az, el,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var (
		role, status, rate string
		sessionID          sql.NullInt32
		channel, preamble  sql.NullInt32
		local, peer        []byte
		startedAt, endedAt sql.NullTime
		dist, az, el       sql.NullFloat64
	)

	err := row.Scan(
		&session.ID, &session.CreatedAt, &session.UpdatedAt,
		&role, &status, &session.Attempts,
		&sessionID, &channel, &preamble,
		&local, &peer,
		&rate, &session.FailureStage, &session.FailureReason,
		&startedAt, &endedAt, &session.Updates,
		&dist, &az, &el,
	)
	if err != nil {
		return nil, err
	}

	session.Role = uwb.Role(role)
	session.Status = models.SessionStatus(status)
	session.UpdateRate = uwb.UpdateRate(rate)
	if sessionID.Valid {
		v := sessionID.Int32
		session.SessionID = &v
	}
	if channel.Valid {
		v := int(channel.Int32)
		session.Channel = &v
	}
	if preamble.Valid {
		v := int(preamble.Int32)
		session.PreambleIndex = &v
	}
	if len(local) > 0 {
		session.LocalAddress = uwb.Address(local)
	}
	if len(peer) > 0 {
		session.PeerAddress = uwb.Address(peer)
	}
	if startedAt.Valid {
		t := startedAt.Time
		session.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	if dist.Valid {
		session.LastPosition = &uwb.Position{Distance: dist.Float64, Azimuth: az.Float64, Elevation: el.Float64}
	}

	return session, nil
}
