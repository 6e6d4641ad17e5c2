// Package statestore holds the authoritative Autopilot state in memory
// and persists it to a single JSON file via the write-temp-then-rename
// idiom, so a crash can never leave a torn state file on disk.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autopilot/internal/model"
)

// StatePersistError wraps a failure to write the state file. The
// orchestrator logs it and continues operating on the in-memory copy.
type StatePersistError struct {
	Err error
}

func (e *StatePersistError) Error() string { return fmt.Sprintf("state persist failed: %v", e.Err) }
func (e *StatePersistError) Unwrap() error { return e.Err }

// StateCorruptError indicates the persisted state file could not be
// parsed as JSON. Loading refuses to proceed rather than silently
// discarding the file.
type StateCorruptError struct {
	Err error
}

func (e *StateCorruptError) Error() string { return fmt.Sprintf("state file corrupt: %v", e.Err) }
func (e *StateCorruptError) Unwrap() error { return e.Err }

const stateFilename = "autopilot-state.json"

// Store is the single-writer, snapshot-reading authoritative state
// holder described in spec §4.1.
type Store struct {
	mu       sync.RWMutex
	state    model.AutopilotState
	dir      string
	filePath string
}

// New creates a Store rooted at planningDir, without touching disk.
// Call Load to populate it from an existing file, or rely on the
// freshly-initialized zero state returned by New when none exists yet.
func New(planningDir string) *Store {
	return &Store{
		state:    model.Fresh(),
		dir:      planningDir,
		filePath: filepath.Join(planningDir, stateFilename),
	}
}

// Load reads the state file from disk. A missing file is not an error:
// the store keeps its freshly-initialized empty state. A present but
// unparsable file is a StateCorruptError and the store refuses to
// proceed with stale in-memory data.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.state = model.Fresh()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return &StatePersistError{Err: err}
	}

	var loaded model.AutopilotState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return &StateCorruptError{Err: err}
	}

	s.mu.Lock()
	s.state = loaded
	s.mu.Unlock()
	return nil
}

// Save writes the current in-memory state to disk via the
// write-temp-then-rename idiom: serialize to a sibling temp file in the
// same directory, flush, then atomically rename over the destination.
// The destination is never written in place, so no reader can ever
// observe a truncated or partial file.
func (s *Store) Save() error {
	s.mu.RLock()
	snapshot := s.state
	s.mu.RUnlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StatePersistError{Err: err}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return &StatePersistError{Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, stateFilename+".*.tmp")
	if err != nil {
		return &StatePersistError{Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &StatePersistError{Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StatePersistError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StatePersistError{Err: err}
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return &StatePersistError{Err: err}
	}
	return nil
}

// GetState returns a read-only snapshot of the current state. Because
// Save/Load/GetState/SetState all hold the same mutex, a reader can
// never observe a partially-applied patch.
func (s *Store) GetState() model.AutopilotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Patch describes a partial update merged into the current state by
// SetState. Nil/zero fields are left untouched except where noted.
type Patch struct {
	Status       *model.RunStatus
	CurrentPhase *float64
	CurrentStep  *model.StepName
	Phases       []model.Phase // replaces the whole phase list when non-nil
	Branches     map[string]model.Branch
}

// SetState merges patch into the current state, advances LastUpdatedAt
// to now, and persists. On persist failure the in-memory copy is kept
// (per spec §4.1, the orchestrator logs and continues) and a
// *StatePersistError is returned so the caller can decide to escalate.
func (s *Store) SetState(patch Patch) error {
	s.mu.Lock()
	if patch.Status != nil {
		s.state.Status = *patch.Status
	}
	if patch.CurrentPhase != nil {
		s.state.CurrentPhase = *patch.CurrentPhase
	}
	if patch.CurrentStep != nil {
		s.state.CurrentStep = *patch.CurrentStep
	}
	if patch.Phases != nil {
		s.state.Phases = patch.Phases
	}
	if patch.Branches != nil {
		if s.state.Branches == nil {
			s.state.Branches = map[string]model.Branch{}
		}
		for k, v := range patch.Branches {
			s.state.Branches[k] = v
		}
	}
	s.state.LastUpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.Save()
}

// ReplacePhase replaces the phase entry identified by number in place,
// or appends patch when no phase has that number, then persists.
func (s *Store) ReplacePhase(number float64, patch model.Phase) error {
	s.mu.Lock()
	found := false
	for i := range s.state.Phases {
		if s.state.Phases[i].Number == number {
			s.state.Phases[i] = patch
			found = true
			break
		}
	}
	if !found {
		s.state.Phases = append(s.state.Phases, patch)
	}
	s.state.LastUpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.Save()
}

// SetBranchPort records a single branch's port assignment, merging it
// into the existing branches map rather than replacing the whole thing.
func (s *Store) SetBranchPort(branch string, b model.Branch) error {
	s.mu.Lock()
	if s.state.Branches == nil {
		s.state.Branches = map[string]model.Branch{}
	}
	s.state.Branches[branch] = b
	s.state.LastUpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.Save()
}

// Checkpoint forces an explicit save of the current in-memory state,
// independent of SetState's patch-then-persist flow. Useful right
// after an escalation, before the process might be asked to abort.
func (s *Store) Checkpoint() error {
	return s.Save()
}

// Close is a no-op, present for lifecycle symmetry with the other
// long-lived components that expose Close (server, milestone reader).
func (s *Store) Close() error { return nil }
