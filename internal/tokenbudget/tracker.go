package tokenbudget

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionLimit signals the session token ceiling has been crossed.
// Terminal for the session: there is no transition back below the
// ceiling, callers must treat it differently from transient failures.
var ErrSessionLimit = errors.New("session token limit exceeded")

type Usage struct {
	TotalTokens        int64 `json:"total_tokens"`
	CallCount          int64 `json:"call_count"`
	EstimatedCostMicro int64 `json:"estimated_cost_micro"`
}

// Tracker accumulates token usage for one chat session and refuses
// further calls once the ceiling is reached. In-memory only; a session
// resets by expiring, never by rollback.
type Tracker struct {
	mu             sync.Mutex
	totalTokens    int64
	callCount      int64
	ceiling        int64
	costPer1KMicro int64
	lastSeen       time.Time
}

// CheckAndReserve must be called before issuing a chat request. It
// performs no network work; an ErrSessionLimit return means the request
// must not be sent at all.
func (t *Tracker) CheckAndReserve() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = time.Now()
	if t.totalTokens >= t.ceiling {
		return ErrSessionLimit
	}
	return nil
}

// RecordUsage adds a completed call's token counts. Call only after a
// successful completion.
func (t *Tracker) RecordUsage(promptTokens, completionTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTokens += promptTokens + completionTokens
	t.callCount++
	t.lastSeen = time.Now()
}

func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{
		TotalTokens:        t.totalTokens,
		CallCount:          t.callCount,
		EstimatedCostMicro: t.totalTokens * t.costPer1KMicro / 1000,
	}
}

func (t *Tracker) idleSince(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen.Before(cutoff)
}

// Manager hands out per-session trackers keyed by session id. Sessions
// are created on demand and dropped after an idle TTL by Sweep.
type Manager struct {
	sessions       sync.Map // session id -> *Tracker
	ceiling        int64
	costPer1KMicro int64
	idleTTL        time.Duration
}

func NewManager(ceiling, costPer1KMicro int64, idleTTL time.Duration) *Manager {
	return &Manager{
		ceiling:        ceiling,
		costPer1KMicro: costPer1KMicro,
		idleTTL:        idleTTL,
	}
}

// Get returns the tracker for id, minting a new session id when the
// caller supplied none.
func (m *Manager) Get(id string) (*Tracker, string) {
	if id == "" {
		id = uuid.NewString()
	}
	fresh := &Tracker{
		ceiling:        m.ceiling,
		costPer1KMicro: m.costPer1KMicro,
		lastSeen:       time.Now(),
	}
	val, _ := m.sessions.LoadOrStore(id, fresh)
	return val.(*Tracker), id
}

// Sweep drops sessions idle longer than the TTL.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.idleTTL)
	removed := 0
	m.sessions.Range(func(key, value any) bool {
		if value.(*Tracker).idleSince(cutoff) {
			m.sessions.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
