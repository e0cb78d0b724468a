package ranging

import (
	"sync"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Snapshot is the latest known position of the peer
type Snapshot struct {
	Peer      uwb.Address  `json:"peer"`
	Position  uwb.Position `json:"position"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Updates   int64        `json:"updates"`
}

// Tracker keeps the most recent position. Peer loss and session faults
// clear it.
type Tracker struct {
	mu      sync.RWMutex
	latest  *Snapshot
	updates int64
	now     func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Apply folds ev into the tracked state
func (t *Tracker) Apply(ev uwb.RangingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case uwb.EventPositionUpdate:
		t.updates++
		t.latest = &Snapshot{
			Peer:      ev.Peer.Clone(),
			Position:  ev.Position,
			UpdatedAt: t.now(),
			Updates:   t.updates,
		}
	case uwb.EventPeerDisconnected:
		t.latest = nil
	}
}

// Reset clears the tracked position
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.latest = nil
	t.updates = 0
	t.mu.Unlock()
}

// Latest returns the last position, if one is known
func (t *Tracker) Latest() (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return Snapshot{}, false
	}
	return *t.latest, true
}
