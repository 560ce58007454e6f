package relay

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/servidesk/servidesk/internal/protocol"
)

// DeviceRecord is one persistent registry entry. Upserted on every agent
// registration; removed only by explicit admin delete while offline.
type DeviceRecord struct {
	AgentID                string                   `json:"agent_id"`
	Hostname               string                   `json:"hostname"`
	OS                     string                   `json:"os"`
	Version                string                   `json:"version"`
	CustomerName           string                   `json:"customer_name,omitempty"`
	Hardware               protocol.HardwareSummary `json:"hardware,omitempty"`
	FirstSeen              time.Time                `json:"first_seen"`
	LastSeen               time.Time                `json:"last_seen"`
	UnattendedEnabled      bool                     `json:"unattended_enabled"`
	UnattendedPasswordHash string                   `json:"unattended_password_hash,omitempty"`
}

// Registry is the persistent device table. Every write goes through
// Upsert, Touch or Delete and is flushed atomically.
type Registry struct {
	mu         sync.Mutex
	path       string
	maxDevices int
	devices    map[string]*DeviceRecord
}

// NewRegistry loads devices.json from dataDir (missing file = empty
// registry).
func NewRegistry(dataDir string, maxDevices int) (*Registry, error) {
	r := &Registry{
		path:       filepath.Join(dataDir, "devices.json"),
		maxDevices: maxDevices,
		devices:    make(map[string]*DeviceRecord),
	}
	var records []*DeviceRecord
	if err := loadJSON(r.path, &records); err != nil {
		return nil, fmt.Errorf("load device registry: %w", err)
	}
	for _, rec := range records {
		if protocol.ValidAgentID(rec.AgentID) {
			r.devices[rec.AgentID] = rec
		}
	}
	return r, nil
}

// Upsert creates or refreshes the record for an agent registration and
// persists the registry.
func (r *Registry) Upsert(info DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := r.devices[info.AgentID]
	if !ok {
		if r.maxDevices > 0 && len(r.devices) >= r.maxDevices {
			return fmt.Errorf("device limit %d reached", r.maxDevices)
		}
		rec = &DeviceRecord{AgentID: info.AgentID, FirstSeen: now}
		r.devices[info.AgentID] = rec
	}
	if info.Hostname != "" {
		rec.Hostname = info.Hostname
	}
	if info.OS != "" {
		rec.OS = info.OS
	}
	if info.Version != "" {
		rec.Version = info.Version
	}
	if info.CustomerName != "" {
		rec.CustomerName = info.CustomerName
	}
	if info.Hardware != (protocol.HardwareSummary{}) {
		rec.Hardware = info.Hardware
	}
	rec.UnattendedEnabled = info.UnattendedEnabled
	if info.UnattendedPasswordHash != "" {
		rec.UnattendedPasswordHash = info.UnattendedPasswordHash
	}
	rec.LastSeen = now

	return r.saveLocked()
}

// Touch refreshes last_seen without changing attributes.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[agentID]; ok {
		rec.LastSeen = time.Now().UTC()
		if err := r.saveLocked(); err != nil {
			log.Warn("registry save failed", "error", err)
		}
	}
}

// Get returns a copy of the record for agentID.
func (r *Registry) Get(agentID string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[agentID]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// Delete removes an entry and persists. The caller enforces the
// offline-only rule.
func (r *Registry) Delete(agentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[agentID]; !ok {
		return false, nil
	}
	delete(r.devices, agentID)
	return true, r.saveLocked()
}

// List snapshots every record as wire DeviceInfo, online first, then by
// last_seen descending. isOnline reports liveness from the agent table.
func (r *Registry) List(isOnline func(agentID string) bool) []protocol.DeviceInfo {
	r.mu.Lock()
	records := make([]*DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		records = append(records, rec)
	}
	r.mu.Unlock()

	out := make([]protocol.DeviceInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, protocol.DeviceInfo{
			AgentID:           rec.AgentID,
			Hostname:          rec.Hostname,
			OS:                rec.OS,
			Version:           rec.Version,
			CustomerName:      rec.CustomerName,
			Hardware:          rec.Hardware,
			FirstSeen:         rec.FirstSeen.Format(time.RFC3339),
			LastSeen:          rec.LastSeen.Format(time.RFC3339),
			IsOnline:          isOnline(rec.AgentID),
			UnattendedEnabled: rec.UnattendedEnabled,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) saveLocked() error {
	records := make([]*DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return saveJSON(r.path, records)
}
