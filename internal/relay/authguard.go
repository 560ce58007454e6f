package relay

import (
	"crypto/subtle"
	"sync"
	"time"
)

const (
	banThreshold = 5
	banWindow    = 5 * time.Minute
	banDuration  = 15 * time.Minute
)

// AuthGuard tracks authentication failures per source IP and bans repeat
// offenders. The admin token itself is compared in constant time and is
// never logged.
type AuthGuard struct {
	adminToken string

	mu       sync.Mutex
	failures map[string][]time.Time
	bans     map[string]time.Time // ip → unban deadline
}

// NewAuthGuard creates a guard for the given admin token.
func NewAuthGuard(adminToken string) *AuthGuard {
	return &AuthGuard{
		adminToken: adminToken,
		failures:   make(map[string][]time.Time),
		bans:       make(map[string]time.Time),
	}
}

// CheckAdminToken verifies the shared admin token in constant time.
func (g *AuthGuard) CheckAdminToken(token string) bool {
	return constantTimeEqual(token, g.adminToken)
}

// IsBanned reports whether ip is currently banned. Expired bans are pruned.
func (g *AuthGuard) IsBanned(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	deadline, ok := g.bans[ip]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(g.bans, ip)
		return false
	}
	return true
}

// RecordFailure tallies one failed attempt from ip. The 5th failure inside
// a rolling 5-minute window triggers a 15-minute ban; returns true when the
// ban started on this call.
func (g *AuthGuard) RecordFailure(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-banWindow)

	g.mu.Lock()
	defer g.mu.Unlock()

	recent := g.failures[ip][:0]
	for _, t := range g.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	g.failures[ip] = recent

	if len(recent) >= banThreshold {
		g.bans[ip] = now.Add(banDuration)
		delete(g.failures, ip)
		return true
	}
	return false
}

// RecordSuccess clears the failure tally for ip.
func (g *AuthGuard) RecordSuccess(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, ip)
}

// constantTimeEqual compares two strings without leaking the match length
// through timing. Unequal lengths still burn a comparison.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
