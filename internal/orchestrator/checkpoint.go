// File: internal/orchestrator/checkpoint.go
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Checkpoint is the persisted snapshot of a run, written after every state
// transition so an interrupted run can be inspected or resumed.
type Checkpoint struct {
	RunID         string            `json:"run_id"`
	StartedAt     time.Time         `json:"started_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CurrentState  State             `json:"current_state"`
	PreviousState State             `json:"previous_state"`
	RetryCount    int               `json:"retry_count"`
	ElapsedSec    float64           `json:"elapsed_seconds"`
	CurrentURL    string            `json:"current_url,omitempty"`
	PageTitle     string            `json:"page_title,omitempty"`
	BrowserPID    int               `json:"browser_pid,omitempty"`
	FormFields    map[string]string `json:"form_fields,omitempty"`
	Resumable     bool              `json:"resumable"`
}

// CheckpointStore writes and loads per-run checkpoint files.
type CheckpointStore struct {
	dir    string
	logger *zap.Logger
}

// NewCheckpointStore creates a store rooted at dir (may contain ~). An empty
// dir disables checkpointing.
func NewCheckpointStore(dir string, logger *zap.Logger) *CheckpointStore {
	return &CheckpointStore{dir: dir, logger: logger.Named("checkpoint")}
}

func (s *CheckpointStore) path(runID string) (string, error) {
	dir, err := homedir.Expand(s.dir)
	if err != nil {
		return "", fmt.Errorf("cannot expand checkpoint dir %q: %w", s.dir, err)
	}
	return filepath.Join(dir, runID+".json"), nil
}

// Save persists the checkpoint. Failures are logged, not returned: a broken
// checkpoint must never abort a run.
func (s *CheckpointStore) Save(cp Checkpoint) {
	if s == nil || s.dir == "" {
		return
	}
	path, err := s.path(cp.RunID)
	if err != nil {
		s.logger.Warn("Checkpoint path resolution failed.", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		s.logger.Warn("Checkpoint dir creation failed.", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		s.logger.Warn("Checkpoint serialization failed.", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Warn("Checkpoint write failed.", zap.String("path", path), zap.Error(err))
	}
}

// Load reads a checkpoint by run ID.
func (s *CheckpointStore) Load(runID string) (Checkpoint, error) {
	var cp Checkpoint
	if s == nil || s.dir == "" {
		return cp, fmt.Errorf("checkpointing is disabled")
	}
	path, err := s.path(runID)
	if err != nil {
		return cp, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cp, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return cp, nil
}

// LoadLatest returns the most recently updated checkpoint in the store.
func (s *CheckpointStore) LoadLatest() (Checkpoint, error) {
	var latest Checkpoint
	if s == nil || s.dir == "" {
		return latest, fmt.Errorf("checkpointing is disabled")
	}
	dir, err := homedir.Expand(s.dir)
	if err != nil {
		return latest, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return latest, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	found := false
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		cp, err := s.Load(entry.Name()[:len(entry.Name())-len(".json")])
		if err != nil {
			continue
		}
		if !found || cp.UpdatedAt.After(latest.UpdatedAt) {
			latest = cp
			found = true
		}
	}
	if !found {
		return latest, fmt.Errorf("no checkpoints found in %s", dir)
	}
	return latest, nil
}
