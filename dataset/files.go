package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files describes where the parallel input/target sentence files live.
type Files struct {
	TrainInputs  string `json:"train_inputs"`
	TrainTargets string `json:"train_targets"`
	DevInputs    string `json:"dev_inputs,omitempty"`
	DevTargets   string `json:"dev_targets,omitempty"`
	TestInputs   string `json:"test_inputs,omitempty"`
	TestTargets  string `json:"test_targets,omitempty"`
}

// HasDev reports whether a validation set is configured.
func (f Files) HasDev() bool { return f.DevInputs != "" }

// HasTest reports whether a test set is configured.
func (f Files) HasTest() bool { return f.TestInputs != "" }

// LoadFiles reads a dataset description. Relative paths are resolved
// against the description's directory.
func LoadFiles(path string) (Files, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Files{}, fmt.Errorf("reading dataset file %s: %w", path, err)
	}
	var f Files
	if err := json.Unmarshal(data, &f); err != nil {
		return Files{}, fmt.Errorf("decoding dataset file %s: %w", path, err)
	}
	if f.TrainInputs == "" || f.TrainTargets == "" {
		return Files{}, fmt.Errorf("dataset file %s: train_inputs and train_targets are required", path)
	}
	if (f.DevInputs == "") != (f.DevTargets == "") {
		return Files{}, fmt.Errorf("dataset file %s: dev_inputs and dev_targets must be given together", path)
	}
	if (f.TestInputs == "") != (f.TestTargets == "") {
		return Files{}, fmt.Errorf("dataset file %s: test_inputs and test_targets must be given together", path)
	}
	base := filepath.Dir(path)
	for _, p := range []*string{&f.TrainInputs, &f.TrainTargets, &f.DevInputs, &f.DevTargets, &f.TestInputs, &f.TestTargets} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return f, nil
}

// ReadSentences reads one sentence per line. Trailing carriage returns are
// stripped; empty lines are kept so parallel files stay aligned.
func ReadSentences(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		out = append(out, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

// ReadParallel reads aligned input and target files.
func ReadParallel(inputs, targets string) ([]string, []string, error) {
	in, err := ReadSentences(inputs)
	if err != nil {
		return nil, nil, err
	}
	tg, err := ReadSentences(targets)
	if err != nil {
		return nil, nil, err
	}
	if len(in) != len(tg) {
		return nil, nil, fmt.Errorf("%s has %d lines but %s has %d", inputs, len(in), targets, len(tg))
	}
	return in, tg, nil
}
