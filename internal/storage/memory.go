package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
)

// MemoryStore implements Store in process memory. It backs the server when
// no database is configured and is used by tests.
type MemoryStore struct {
	mu       *sync.RWMutex
	sessions map[uuid.UUID]*models.Session
	events   []*models.EventLog

	// pending holds writes of an open transaction, applied on Commit
	pending []func()
	base    *MemoryStore
	done    bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:       &sync.RWMutex{},
		sessions: make(map[uuid.UUID]*models.Session),
	}
}

var errTxDone = errors.New("transaction already finished")

// BeginTx starts a transaction. Reads inside it do not see its own
// uncommitted writes.
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	if s.base != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	return &MemoryStore{mu: s.mu, sessions: s.sessions, base: s}, nil
}

// Commit applies the transaction's writes
func (s *MemoryStore) Commit() error {
	if s.base == nil {
		return nil
	}
	if s.done {
		return errTxDone
	}
	s.mu.Lock()
	for _, apply := range s.pending {
		apply()
	}
	s.mu.Unlock()
	s.pending = nil
	s.done = true
	return nil
}

// Rollback discards the transaction's writes
func (s *MemoryStore) Rollback() error {
	if s.base == nil || s.done {
		return nil
	}
	s.pending = nil
	s.done = true
	return nil
}

// write runs apply now, or on Commit inside a transaction
func (s *MemoryStore) write(apply func()) error {
	if s.base != nil {
		if s.done {
			return errTxDone
		}
		s.pending = append(s.pending, apply)
		return nil
	}
	s.mu.Lock()
	apply()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) root() *MemoryStore {
	if s.base != nil {
		return s.base
	}
	return s
}

func cloneSession(in *models.Session) *models.Session {
	out := *in
	out.LocalAddress = in.LocalAddress.Clone()
	out.PeerAddress = in.PeerAddress.Clone()
	if in.SessionID != nil {
		v := *in.SessionID
		out.SessionID = &v
	}
	if in.Channel != nil {
		v := *in.Channel
		out.Channel = &v
	}
	if in.PreambleIndex != nil {
		v := *in.PreambleIndex
		out.PreambleIndex = &v
	}
	if in.StartedAt != nil {
		v := *in.StartedAt
		out.StartedAt = &v
	}
	if in.EndedAt != nil {
		v := *in.EndedAt
		out.EndedAt = &v
	}
	if in.LastPosition != nil {
		v := *in.LastPosition
		out.LastPosition = &v
	}
	return &out
}

// CreateSession implements Store
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	session.StampCreate(time.Now())

	s.mu.RLock()
	_, exists := s.sessions[session.ID]
	s.mu.RUnlock()
	if exists {
		return ErrDuplicateKey
	}

	stored := cloneSession(session)
	return s.write(func() { s.sessions[stored.ID] = stored })
}

// UpdateSession implements Store
func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	s.mu.RLock()
	_, exists := s.sessions[session.ID]
	s.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}
	session.StampUpdate(time.Now())

	stored := cloneSession(session)
	return s.write(func() { s.sessions[stored.ID] = stored })
}

// GetSession implements Store
func (s *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// ListSessions implements Store
func (s *MemoryStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	s.mu.RLock()
	var matched []*models.Session
	for _, session := range s.sessions {
		if filters.Role != nil && session.Role != *filters.Role {
			continue
		}
		if filters.Status != nil && session.Status != *filters.Status {
			continue
		}
		if filters.StartTime != nil && session.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && session.CreatedAt.After(*filters.EndTime) {
			continue
		}
		matched = append(matched, cloneSession(session))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), int64(len(matched)), nil
}

// CreateEventLog implements Store
func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.SessionID != nil {
		s.mu.RLock()
		_, ok := s.sessions[*event.SessionID]
		s.mu.RUnlock()
		if !ok {
			return ErrInvalidData
		}
	}

	stored := *event
	root := s.root()
	return s.write(func() { root.events = append(root.events, &stored) })
}

// ListEventLogs implements Store
func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	root := s.root()
	s.mu.RLock()
	var matched []*models.EventLog
	for _, event := range root.events {
		if filters.SessionID != nil && (event.SessionID == nil || *event.SessionID != *filters.SessionID) {
			continue
		}
		if filters.Type != nil && event.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && event.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && event.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && event.CreatedAt.After(*filters.EndTime) {
			continue
		}
		e := *event
		matched = append(matched, &e)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), int64(len(matched)), nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
