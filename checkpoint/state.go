package checkpoint

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	stateFile  = "run_state.json"
	backupFile = "backup.gob"
)

// State is the run metadata needed to resume. Epoch counts completed
// epochs, so a resumed run starts at Epoch+1.
type State struct {
	Epoch       int       `json:"epoch"`
	Seed        int64     `json:"seed"`
	Step        int       `json:"step"`
	Interrupted bool      `json:"interrupted"`
	Best        *float64  `json:"best,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateStore owns states_dir for one run.
type StateStore struct {
	dir string
	log *logrus.Logger
}

// NewStateStore returns a store rooted at dir.
func NewStateStore(dir string, log *logrus.Logger) *StateStore {
	if log == nil {
		log = logrus.New()
	}
	return &StateStore{dir: dir, log: log}
}

// Dir returns the states directory.
func (s *StateStore) Dir() string { return s.dir }

// Save writes the backup snapshot and then the run state, replacing the
// previous pair. The state file is written last so it never points at a
// missing backup.
func (s *StateStore) Save(st State, snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: s.dir, Err: err}
	}
	if err := Save(filepath.Join(s.dir, backupFile), snap); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	path := filepath.Join(s.dir, stateFile)
	if err := WriteAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"epoch": st.Epoch, "step": st.Step, "interrupted": st.Interrupted}).Debug("saved run state")
	return nil
}

// Load returns the persisted state and backup, or nil, nil, nil when the
// directory holds no state.
func (s *StateStore) Load() (*State, *Snapshot, error) {
	path := filepath.Join(s.dir, stateFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil, &IOError{Op: "decode", Path: path, Err: err}
	}
	snap, err := Load(filepath.Join(s.dir, backupFile))
	if err != nil {
		return nil, nil, err
	}
	return &st, snap, nil
}

// Clear removes the run state and backup.
func (s *StateStore) Clear() error {
	for _, name := range []string{stateFile, backupFile} {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}
