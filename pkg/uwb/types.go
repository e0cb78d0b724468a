package uwb

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Address is an opaque UWB device address. Its length is chosen by the
// ranging engine and is not fixed by the wire format.
type Address []byte

// String returns hex string representation
func (a Address) String() string {
	return hex.EncodeToString(a)
}

// Equal reports whether both addresses hold the same bytes
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a, b)
}

// Clone returns a copy that does not alias a
func (a Address) Clone() Address {
	if a == nil {
		return nil
	}
	return append(Address(nil), a...)
}

// MarshalJSON implements json.Marshaler
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	*a = b
	return nil
}

// ParseAddress parses a hex encoded address such as "aabb"
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid address: empty")
	}
	return b, nil
}

// ComplexChannel is the UWB channel number paired with its preamble index
type ComplexChannel struct {
	Channel       int `json:"channel" yaml:"channel"`
	PreambleIndex int `json:"preambleIndex" yaml:"preamble_index"`
}

var (
	validChannels  = map[int]bool{5: true, 6: true, 8: true, 9: true, 10: true, 12: true, 13: true, 14: true}
	validPreambles = map[int]bool{
		9: true, 10: true, 11: true, 12: true,
		25: true, 26: true, 27: true, 28: true, 29: true, 30: true, 31: true, 32: true,
	}
)

// Validate checks the pair against the channels and preamble codes
// defined for HRP UWB.
func (c ComplexChannel) Validate() error {
	if !validChannels[c.Channel] {
		return fmt.Errorf("unsupported UWB channel %d", c.Channel)
	}
	if !validPreambles[c.PreambleIndex] {
		return fmt.Errorf("unsupported preamble index %d", c.PreambleIndex)
	}
	return nil
}

// String returns "channel/preamble"
func (c ComplexChannel) String() string {
	return fmt.Sprintf("%d/%d", c.Channel, c.PreambleIndex)
}

// Role is the local part in a ranging session
type Role string

const (
	RoleController Role = "controller"
	RoleControlee  Role = "controlee"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleController || r == RoleControlee
}

// UpdateRate is the ranging report cadence requested from the engine
type UpdateRate string

const (
	UpdateRateAutomatic  UpdateRate = "automatic"
	UpdateRateFrequent   UpdateRate = "frequent"
	UpdateRateInfrequent UpdateRate = "infrequent"
)

// Valid reports whether u is a known update rate
func (u UpdateRate) Valid() bool {
	switch u {
	case UpdateRateAutomatic, UpdateRateFrequent, UpdateRateInfrequent:
		return true
	}
	return false
}

// ConfigType identifies the ranging configuration profile
type ConfigType string

// ConfigMulticastDSTWR is the multicast double-sided two-way ranging profile
const ConfigMulticastDSTWR ConfigType = "multicast-ds-twr"

// SessionParameters is what the Controller hands to the Controlee over the
// out-of-band channel. Values are immutable once built.
type SessionParameters struct {
	PeerAddress    Address `json:"peerAddress"`
	Channel        int     `json:"channel"`
	PreambleIndex  int     `json:"preambleIndex"`
	SessionID      int32   `json:"sessionId"`
	SessionKeyInfo []byte  `json:"sessionKeyInfo"`
}

// ComplexChannel returns the channel pair carried by p
func (p SessionParameters) ComplexChannel() ComplexChannel {
	return ComplexChannel{Channel: p.Channel, PreambleIndex: p.PreambleIndex}
}

// Equal reports value equality over all fields
func (p SessionParameters) Equal(o SessionParameters) bool {
	return p.PeerAddress.Equal(o.PeerAddress) &&
		p.Channel == o.Channel &&
		p.PreambleIndex == o.PreambleIndex &&
		p.SessionID == o.SessionID &&
		bytes.Equal(p.SessionKeyInfo, o.SessionKeyInfo)
}

// SessionConfiguration is everything the ranging engine needs to start a
// session. It is built once per handshake and consumed once.
type SessionConfiguration struct {
	Role           Role           `json:"role"`
	ConfigType     ConfigType     `json:"configType"`
	ComplexChannel ComplexChannel `json:"complexChannel"`
	PeerAddress    Address        `json:"peerAddress"`
	SessionID      int32          `json:"sessionId"`
	SubSessionID   int32          `json:"subSessionId"`
	SessionKeyInfo []byte         `json:"-"`
	UpdateRate     UpdateRate     `json:"updateRate"`
}

// NewSessionConfiguration builds the configuration shared by both roles.
// The sub-session id is left unset.
func NewSessionConfiguration(role Role, peer Address, p SessionParameters, rate UpdateRate) SessionConfiguration {
	if rate == "" {
		rate = UpdateRateAutomatic
	}
	return SessionConfiguration{
		Role:           role,
		ConfigType:     ConfigMulticastDSTWR,
		ComplexChannel: p.ComplexChannel(),
		PeerAddress:    peer.Clone(),
		SessionID:      p.SessionID,
		SessionKeyInfo: append([]byte(nil), p.SessionKeyInfo...),
		UpdateRate:     rate,
	}
}

// Validate checks the fields the engine relies on
func (c SessionConfiguration) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if len(c.PeerAddress) == 0 {
		return fmt.Errorf("peer address is empty")
	}
	if err := c.ComplexChannel.Validate(); err != nil {
		return err
	}
	if !c.UpdateRate.Valid() {
		return fmt.Errorf("invalid update rate %q", c.UpdateRate)
	}
	return nil
}

// Position is a single ranging measurement relative to the peer.
// Distance is in meters, angles in degrees.
type Position struct {
	Distance  float64 `json:"distance"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

// EventKind distinguishes ranging events
type EventKind string

const (
	EventPositionUpdate   EventKind = "position"
	EventPeerDisconnected EventKind = "disconnected"
)

// RangingEvent is one report from the ranging engine. Position is only
// meaningful for EventPositionUpdate.
type RangingEvent struct {
	Kind     EventKind `json:"kind"`
	Peer     Address   `json:"peer"`
	Position Position  `json:"position,omitempty"`
}

// PositionUpdate builds a position event
func PositionUpdate(peer Address, pos Position) RangingEvent {
	return RangingEvent{Kind: EventPositionUpdate, Peer: peer, Position: pos}
}

// PeerDisconnected builds a peer loss event
func PeerDisconnected(peer Address) RangingEvent {
	return RangingEvent{Kind: EventPeerDisconnected, Peer: peer}
}
