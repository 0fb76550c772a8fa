package progress

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Snapshot is the last known state of a run as observed from its stream.
// A snapshot without Terminated means the outcome is indeterminate.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Total      int       `json:"total"`
	Checkpoint int       `json:"checkpoint"`
	Counters   Counters  `json:"counters"`
	Terminated bool      `json:"terminated"`
	Status     string    `json:"status,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Apply folds one record into the snapshot
func (s *Snapshot) Apply(rec Record) {
	switch rec.Type {
	case TypeStart:
		*s = Snapshot{RunID: rec.Start.RunID, Kind: rec.Start.Kind, Total: rec.Start.Total}
	case TypeProgress:
		s.Checkpoint = rec.Progress.Checkpoint
		s.Counters = rec.Progress.Counters
		if rec.Progress.Total > 0 {
			s.Total = rec.Progress.Total
		}
	case TypeDone:
		s.Counters = rec.Done.Counters
		s.Terminated = true
		s.Status = rec.Done.Status
	case TypeError:
		s.Counters = rec.Error.Counters
		s.Terminated = true
		s.Status = StatusAborted
		s.ErrorCode = rec.Error.Code
	}
	s.UpdatedAt = time.Now().UTC()
}

// Save writes the snapshot to path atomically
func (s Snapshot) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return goerr.Wrap(err, "failed to create state directory", goerr.V("path", path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return goerr.Wrap(err, "failed to write snapshot", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		return goerr.Wrap(err, "failed to replace snapshot", goerr.V("path", path))
	}
	return nil
}

// LoadSnapshot reads a snapshot saved by Save. A missing file yields nil.
func LoadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read snapshot", goerr.V("path", path))
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, goerr.Wrap(err, "failed to decode snapshot", goerr.V("path", path))
	}
	return &s, nil
}
