// Package checkpoint archives orchestration state snapshots on disk, one file
// per orchestration holding its latest snapshot.
package checkpoint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = "1.0"

// Snapshot is one archived orchestration state.
type Snapshot struct {
	Version         string          `json:"version"`
	OrchestrationID string          `json:"orchestration_id"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	SavedAt         time.Time       `json:"saved_at"`
	Digest          string          `json:"digest"`
	State           json.RawMessage `json:"state"`
}

// Decode unmarshals the archived state into v.
func (s *Snapshot) Decode(v any) error {
	if err := json.Unmarshal(s.State, v); err != nil {
		return fmt.Errorf("failed to decode snapshot state: %w", err)
	}
	return nil
}

// Verify checks the state against its digest.
func (s *Snapshot) Verify() error {
	if got := digest(s.State); got != s.Digest {
		return fmt.Errorf("snapshot %s is corrupt: digest %s, want %s", s.OrchestrationID, got, s.Digest)
	}
	return nil
}

// Manager handles checkpoint persistence and recovery
type Manager struct {
	checkpointDir string
	mu            sync.Mutex
	now           func() time.Time
}

// NewManager creates a new checkpoint manager
func NewManager(checkpointDir string) *Manager {
	return &Manager{checkpointDir: checkpointDir, now: time.Now}
}

// Dir is the archive directory.
func (m *Manager) Dir() string { return m.checkpointDir }

// Save archives state as the latest snapshot for id, replacing any earlier one.
// The file is written atomically.
func (m *Manager) Save(id, status, reason string, state any) error {
	if err := validID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	snap := Snapshot{
		Version:         SnapshotVersion,
		OrchestrationID: id,
		Status:          status,
		Reason:          reason,
		SavedAt:         m.now().UTC(),
		Digest:          digest(raw),
		State:           raw,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.checkpointDir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(m.checkpointDir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path(id)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}
	return nil
}

// Load reads and verifies the latest snapshot for id.
func (m *Manager) Load(id string) (*Snapshot, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Exists checks if a checkpoint exists for id.
func (m *Manager) Exists(id string) bool {
	if validID(id) != nil {
		return false
	}
	_, err := os.Stat(m.path(id))
	return err == nil
}

// Delete removes a checkpoint file
func (m *Manager) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns the archived orchestration ids, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.checkpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune deletes snapshots saved before cutoff and returns how many were removed.
// Unreadable snapshots are left in place.
func (m *Manager) Prune(cutoff time.Time) (int, error) {
	ids, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		snap, err := m.Load(id)
		if err != nil || !snap.SavedAt.Before(cutoff) {
			continue
		}
		if err := m.Delete(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.checkpointDir, id+".json")
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid checkpoint id %q", id)
	}
	return nil
}

// digest hashes the compact form of data so indentation does not matter.
func digest(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err == nil {
		data = buf.Bytes()
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
