package relay

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// SessionRecord is one line of the append-only session history.
type SessionRecord struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	CustomerName    string    `json:"customer_name,omitempty"`
	AdminName       string    `json:"admin_name,omitempty"`
	Unattended      bool      `json:"unattended,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	EndReason       string    `json:"end_reason"`
	EndedBy         string    `json:"ended_by"`
}

// SessionStats aggregates the history for /api/stats.
type SessionStats struct {
	TotalSessions        int            `json:"total_sessions"`
	TotalDurationSeconds int64          `json:"total_duration_seconds"`
	ByEndReason          map[string]int `json:"by_end_reason"`
}

// SessionLog is the persistent session history, rewritten atomically on
// each append.
type SessionLog struct {
	mu      sync.Mutex
	path    string
	records []SessionRecord
}

// NewSessionLog loads sessions.json from dataDir.
func NewSessionLog(dataDir string) (*SessionLog, error) {
	l := &SessionLog{path: filepath.Join(dataDir, "sessions.json")}
	if err := loadJSON(l.path, &l.records); err != nil {
		return nil, fmt.Errorf("load session log: %w", err)
	}
	return l, nil
}

// Append records one finished session.
func (l *SessionLog) Append(rec SessionRecord) error {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	rec.DurationSeconds = int64(rec.EndedAt.Sub(rec.StartedAt).Seconds())
	if rec.DurationSeconds < 0 {
		rec.DurationSeconds = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return saveJSON(l.path, l.records)
}

// Recent returns up to n records, newest last.
func (l *SessionLog) Recent(n int) []SessionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]SessionRecord, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// Stats aggregates the full history.
func (l *SessionLog) Stats() SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := SessionStats{ByEndReason: make(map[string]int)}
	for _, rec := range l.records {
		stats.TotalSessions++
		stats.TotalDurationSeconds += rec.DurationSeconds
		stats.ByEndReason[rec.EndReason]++
	}
	return stats
}
