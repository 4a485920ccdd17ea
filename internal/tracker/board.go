package tracker

import (
	"sort"
	"sync"
	"time"

	"diveguard/internal/domain"
)

// Display is display-facing row for one live session.
type Display struct {
	SessionID    string    `json:"session_id"`
	Code         string    `json:"code"`
	Elapsed      string    `json:"elapsed"`
	CurrentDepth *float64  `json:"current_depth,omitempty"`
	AscentRate   *float64  `json:"ascent_rate,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type boardEntry struct {
	session domain.Session
	samples []domain.DepthSample
}

// Board holds latest live metrics for in-progress sessions.
// Params: session inputs registered by evaluation passes and a refresh clock tick.
// Returns: concurrency-safe display rows for the UI collaborator.
type Board struct {
	mu      sync.RWMutex
	entries map[string]boardEntry
	rows    map[string]Display
}

// NewBoard creates empty display board.
func NewBoard() *Board {
	return &Board{
		entries: make(map[string]boardEntry),
		rows:    make(map[string]Display),
	}
}

// Track stores latest session inputs; non in_progress sessions are removed.
// Params: session record and its recent samples.
// Returns: none.
func (b *Board) Track(session domain.Session, samples []domain.DepthSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if session.State != domain.SessionInProgress {
		delete(b.entries, session.ID)
		delete(b.rows, session.ID)
		return
	}
	b.entries[session.ID] = boardEntry{
		session: session,
		samples: append([]domain.DepthSample(nil), samples...),
	}
}

// Refresh recomputes every tracked row for given instant.
// Params: current time.
// Returns: number of refreshed rows.
func (b *Board) Refresh(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.entries {
		snapshot := Compute(entry.session, entry.samples, now)
		b.rows[id] = Display{
			SessionID:    id,
			Code:         entry.session.Code,
			Elapsed:      FormatElapsed(snapshot.Elapsed),
			CurrentDepth: snapshot.CurrentDepth,
			AscentRate:   snapshot.AscentRate,
			UpdatedAt:    now,
		}
	}
	return len(b.entries)
}

// Rows returns display rows ordered by session code.
// Params: none.
// Returns: copy of current rows.
func (b *Board) Rows() []Display {
	b.mu.RLock()
	rows := make([]Display, 0, len(b.rows))
	for _, row := range b.rows {
		rows = append(rows, row)
	}
	b.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Code == rows[j].Code {
			return rows[i].SessionID < rows[j].SessionID
		}
		return rows[i].Code < rows[j].Code
	})
	return rows
}
