package models

import (
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// SessionStatus is the lifecycle state of a ranging session record
type SessionStatus string

const (
	SessionStatusHandshaking SessionStatus = "HANDSHAKING"
	SessionStatusRanging     SessionStatus = "RANGING"
	SessionStatusStopped     SessionStatus = "STOPPED"
	SessionStatusFailed      SessionStatus = "FAILED"
)

// Terminal reports whether no further updates are expected
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusStopped || s == SessionStatusFailed
}

// Session is one handshake attempt and the ranging session it produced
type Session struct {
	BaseModel

	Role     uwb.Role      `json:"role" db:"role"`
	Status   SessionStatus `json:"status" db:"status"`
	Attempts int           `json:"attempts" db:"attempts"`

	// Set once the handshake agreed on parameters
	SessionID     *int32         `json:"sessionId,omitempty" db:"session_id"`
	Channel       *int           `json:"channel,omitempty" db:"channel"`
	PreambleIndex *int           `json:"preambleIndex,omitempty" db:"preamble_index"`
	LocalAddress  uwb.Address    `json:"localAddress,omitempty" db:"local_address"`
	PeerAddress   uwb.Address    `json:"peerAddress,omitempty" db:"peer_address"`
	UpdateRate    uwb.UpdateRate `json:"updateRate" db:"update_rate"`

	FailureStage  string `json:"failureStage,omitempty" db:"failure_stage"`
	FailureReason string `json:"failureReason,omitempty" db:"failure_reason"`

	StartedAt *time.Time `json:"startedAt,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"endedAt,omitempty" db:"ended_at"`

	Updates      int64         `json:"updates" db:"updates"`
	LastPosition *uwb.Position `json:"lastPosition,omitempty" db:"last_position"`
}

// ApplyConfiguration records the agreed session parameters
func (s *Session) ApplyConfiguration(cfg uwb.SessionConfiguration, local uwb.Address) {
	id := cfg.SessionID
	ch := cfg.ComplexChannel.Channel
	pre := cfg.ComplexChannel.PreambleIndex
	s.SessionID = &id
	s.Channel = &ch
	s.PreambleIndex = &pre
	s.LocalAddress = local.Clone()
	s.PeerAddress = cfg.PeerAddress.Clone()
	s.UpdateRate = cfg.UpdateRate
}
