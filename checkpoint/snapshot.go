// Package checkpoint persists parameter snapshots on the training cadence
// and keeps the run state needed to resume an interrupted run.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"bilstmtrain/model"
	"bilstmtrain/optim"
)

// IOError wraps a failure reading or writing persisted state.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Tensor is one saved parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Snapshot is the content of a checkpoint file. Optimizer is nil for
// weights-only checkpoints.
type Snapshot struct {
	Epoch     int
	Step      int
	Tensors   []Tensor
	Optimizer *optim.State
	Metrics   map[string]float64
	Best      bool
}

// Capture copies params, and the optimizer state when opt is non-nil.
func Capture(params *model.Params, opt *optim.Adam, epoch, step int, metrics map[string]float64) *Snapshot {
	s := &Snapshot{Epoch: epoch, Step: step, Metrics: make(map[string]float64, len(metrics))}
	for _, p := range params.All() {
		s.Tensors = append(s.Tensors, Tensor{
			Name:  p.Name,
			Shape: p.Shape(),
			Data:  append([]float32(nil), p.Data()...),
		})
	}
	if opt != nil {
		st := opt.State()
		s.Optimizer = &st
	}
	for k, v := range metrics {
		s.Metrics[k] = v
	}
	return s
}

// Save gob-encodes the snapshot to path. The file is written under a
// temporary name and renamed into place.
func Save(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	return WriteAtomic(path, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(s)
	})
}

// WriteAtomic writes path through a temporary file in the same directory
// and renames it into place, so readers never see a partial file.
func WriteAtomic(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	var s Snapshot
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, &IOError{Op: "decode", Path: path, Err: err}
	}
	return &s, nil
}

// Restore copies the snapshot into params. The optimizer state is restored
// when present; otherwise the optimizer is reset. Restoring the same
// snapshot twice leaves identical parameters.
func Restore(s *Snapshot, params *model.Params, opt *optim.Adam) error {
	all := params.All()
	if len(s.Tensors) != len(all) {
		return fmt.Errorf("checkpoint: snapshot has %d tensors, model has %d", len(s.Tensors), len(all))
	}
	for i, t := range s.Tensors {
		p := all[i]
		if t.Name != p.Name {
			return fmt.Errorf("checkpoint: tensor %d is %q, model expects %q", i, t.Name, p.Name)
		}
		if !sameShape(t.Shape, p.Shape()) || len(t.Data) != len(p.Data()) {
			return fmt.Errorf("checkpoint: tensor %q has shape %v, model expects %v", t.Name, t.Shape, p.Shape())
		}
	}
	if opt != nil {
		if s.Optimizer != nil {
			if err := opt.SetState(*s.Optimizer); err != nil {
				return err
			}
		} else {
			opt.Reset()
		}
	}
	for i, t := range s.Tensors {
		copy(all[i].Data(), t.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
