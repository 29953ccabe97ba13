package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFileName is the scan state kept in the working directory.
const StateFileName = "kiln_scan_state.json"

const stateVersion = "1"

// State records the content hash of every file ingested by a previous scan.
type State struct {
	Version string                `json:"version"`
	LastRun time.Time             `json:"last_run"`
	Files   map[string]*FileState `json:"files"`
}

// FileState is one file as of its last successful ingestion.
type FileState struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	DocumentID string    `json:"document_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

func NewState() *State {
	return &State{Version: stateVersion, Files: make(map[string]*FileState)}
}

// LoadState reads the state from dir. A missing file yields nil and no error.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding scan state: %w", err)
	}
	if s.Files == nil {
		s.Files = make(map[string]*FileState)
	}
	return &s, nil
}

// Save writes the state to dir through a temporary file and rename.
func (s *State) Save(dir string) error {
	s.LastRun = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, StateFileName+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, StateFileName))
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
