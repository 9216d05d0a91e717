// Package config loads and validates the training configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultSeed     = 42
	DefaultPrefetch = 2
	DefaultMonitor  = "val_loss"
)

type Config struct {
	Model    ModelConfig    `json:"model_config"`
	Learning LearningConfig `json:"learning_config"`
}

type ModelConfig struct {
	CharEmbeddingDim int     `json:"char_embedding_dim"`
	RNNCellDim       int     `json:"rnn_cell_dim"`
	RNNLayers        int     `json:"rnn_n_layers"`
	Dropout          float64 `json:"dropout"`
	UseResidual      bool    `json:"use_residual"`
}

type LearningConfig struct {
	Dataset   DatasetConfig   `json:"dataset_config"`
	Optimizer OptimizerConfig `json:"optimizer_config"`
	Running   RunningConfig   `json:"running_config"`
}

type DatasetConfig struct {
	MaxCharsInSentence int   `json:"max_chars_in_sentence"`
	TakeNumTopChars    int   `json:"take_num_top_chars"`
	SentenceLimit      Limit `json:"sentence_limit"`
}

type OptimizerConfig struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta_1"`
	Beta2        float64 `json:"beta_2"`
	Epsilon      float64 `json:"epsilon"`
}

type RunningConfig struct {
	BatchSize   int               `json:"batch_size"`
	NumEpochs   int               `json:"num_epochs"`
	Checkpoint  CheckpointConfig  `json:"checkpoint"`
	StatesDir   string            `json:"states_dir"`
	TensorBoard TensorBoardConfig `json:"tensorboard"`

	Seed     *int64 `json:"seed,omitempty"`
	Shuffle  *bool  `json:"shuffle,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

type CheckpointConfig struct {
	Filepath        string    `json:"filepath"`
	SaveBestOnly    bool      `json:"save_best_only"`
	SaveWeightsOnly bool      `json:"save_weights_only"`
	SaveFreq        Frequency `json:"save_freq"`

	Monitor string `json:"monitor,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

type TensorBoardConfig struct {
	LogDir        string    `json:"log_dir"`
	HistogramFreq int       `json:"histogram_freq"`
	WriteGraph    bool      `json:"write_graph"`
	WriteImages   bool      `json:"write_images"`
	UpdateFreq    Frequency `json:"update_freq"`
}

// ValidationError reports a missing or out-of-range configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// required lists the mandatory keys of every object in the schema.
var required = map[string][]string{
	"":                                 {"model_config", "learning_config"},
	"model_config":                     {"char_embedding_dim", "rnn_cell_dim", "rnn_n_layers", "dropout", "use_residual"},
	"learning_config":                  {"dataset_config", "optimizer_config", "running_config"},
	"learning_config.dataset_config":   {"max_chars_in_sentence", "take_num_top_chars"},
	"learning_config.optimizer_config": {"learning_rate", "beta_1", "beta_2", "epsilon"},
	"learning_config.running_config":   {"batch_size", "num_epochs", "checkpoint", "states_dir", "tensorboard"},
	"learning_config.running_config.checkpoint": {
		"filepath", "save_best_only", "save_weights_only", "save_freq",
	},
	"learning_config.running_config.tensorboard": {
		"log_dir", "histogram_freq", "write_graph", "write_images", "update_freq",
	},
}

// Load reads a JSON configuration file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON configuration document.
func Parse(data []byte) (*Config, error) {
	if err := checkRequired(data, ""); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, &ValidationError{Field: "(document)", Reason: err.Error()}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkRequired(data []byte, path string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		name := path
		if name == "" {
			name = "(document)"
		}
		return invalid(name, "expected an object: %v", err)
	}
	for _, key := range required[path] {
		field := key
		if path != "" {
			field = path + "." + key
		}
		raw, ok := obj[key]
		if !ok {
			return invalid(field, "missing")
		}
		if _, nested := required[field]; nested {
			if err := checkRequired(raw, field); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks every field range. It returns the first *ValidationError.
func (c *Config) Validate() error {
	m := c.Model
	switch {
	case m.CharEmbeddingDim <= 0:
		return invalid("model_config.char_embedding_dim", "must be > 0, got %d", m.CharEmbeddingDim)
	case m.RNNCellDim <= 0:
		return invalid("model_config.rnn_cell_dim", "must be > 0, got %d", m.RNNCellDim)
	case m.RNNLayers <= 0:
		return invalid("model_config.rnn_n_layers", "must be > 0, got %d", m.RNNLayers)
	case m.Dropout < 0 || m.Dropout >= 1 || math.IsNaN(m.Dropout):
		return invalid("model_config.dropout", "must be in [0, 1), got %v", m.Dropout)
	}

	d := c.Learning.Dataset
	if d.MaxCharsInSentence <= 0 {
		return invalid("learning_config.dataset_config.max_chars_in_sentence", "must be > 0, got %d", d.MaxCharsInSentence)
	}
	if d.TakeNumTopChars <= 0 {
		return invalid("learning_config.dataset_config.take_num_top_chars", "must be > 0, got %d", d.TakeNumTopChars)
	}

	o := c.Learning.Optimizer
	switch {
	case !(o.LearningRate > 0) || math.IsInf(o.LearningRate, 0):
		return invalid("learning_config.optimizer_config.learning_rate", "must be > 0, got %v", o.LearningRate)
	case !(o.Beta1 > 0 && o.Beta1 < 1):
		return invalid("learning_config.optimizer_config.beta_1", "must be in (0, 1), got %v", o.Beta1)
	case !(o.Beta2 > 0 && o.Beta2 < 1):
		return invalid("learning_config.optimizer_config.beta_2", "must be in (0, 1), got %v", o.Beta2)
	case !(o.Epsilon > 0) || math.IsInf(o.Epsilon, 0):
		return invalid("learning_config.optimizer_config.epsilon", "must be > 0, got %v", o.Epsilon)
	}

	r := c.Learning.Running
	switch {
	case r.BatchSize <= 0:
		return invalid("learning_config.running_config.batch_size", "must be > 0, got %d", r.BatchSize)
	case r.NumEpochs <= 0:
		return invalid("learning_config.running_config.num_epochs", "must be > 0, got %d", r.NumEpochs)
	case strings.TrimSpace(r.StatesDir) == "":
		return invalid("learning_config.running_config.states_dir", "must not be empty")
	case r.Prefetch < 0 || r.Prefetch > 8:
		return invalid("learning_config.running_config.prefetch", "must be in [1, 8], got %d", r.Prefetch)
	}

	ck := r.Checkpoint
	if strings.TrimSpace(ck.Filepath) == "" {
		return invalid("learning_config.running_config.checkpoint.filepath", "must not be empty")
	}
	if !strings.Contains(ck.Filepath, "{epoch") {
		return invalid("learning_config.running_config.checkpoint.filepath", "must contain an {epoch} placeholder, got %q", ck.Filepath)
	}
	if ck.SaveFreq.Unit == PerBatch {
		return invalid("learning_config.running_config.checkpoint.save_freq", `must be "epoch" or a positive integer`)
	}
	switch ck.Mode {
	case "", "auto", "min", "max":
	default:
		return invalid("learning_config.running_config.checkpoint.mode", `must be "auto", "min" or "max", got %q`, ck.Mode)
	}

	tb := r.TensorBoard
	if strings.TrimSpace(tb.LogDir) == "" {
		return invalid("learning_config.running_config.tensorboard.log_dir", "must not be empty")
	}
	if tb.HistogramFreq < 0 {
		return invalid("learning_config.running_config.tensorboard.histogram_freq", "must be >= 0, got %d", tb.HistogramFreq)
	}
	return nil
}

// SeedValue returns the configured seed or DefaultSeed.
func (r RunningConfig) SeedValue() int64 {
	if r.Seed == nil {
		return DefaultSeed
	}
	return *r.Seed
}

// ShuffleValue returns the configured shuffle flag, true when unset.
func (r RunningConfig) ShuffleValue() bool {
	return r.Shuffle == nil || *r.Shuffle
}

// PrefetchDepth returns the bounded prefetch queue depth.
func (r RunningConfig) PrefetchDepth() int {
	if r.Prefetch == 0 {
		return DefaultPrefetch
	}
	return r.Prefetch
}

// MonitorName returns the metric watched by save_best_only. Without a
// validation set the "val_" prefix is dropped.
func (c CheckpointConfig) MonitorName(hasValidation bool) string {
	m := c.Monitor
	if m == "" {
		m = DefaultMonitor
	}
	if !hasValidation {
		m = strings.TrimPrefix(m, "val_")
	}
	return m
}

// Maximize reports whether larger monitored values are better.
func (c CheckpointConfig) Maximize(monitor string) bool {
	switch c.Mode {
	case "max":
		return true
	case "min":
		return false
	}
	return strings.Contains(monitor, "acc")
}

// ExperimentName builds the experiment directory name from the model
// hyperparameters.
func (c *Config) ExperimentName(prefix string) string {
	return fmt.Sprintf("%s_layers%d_dim%d_embedding%d_lr%v",
		prefix,
		c.Model.RNNLayers,
		c.Model.RNNCellDim,
		c.Model.CharEmbeddingDim,
		c.Learning.Optimizer.LearningRate,
	)
}

// Rebase returns a copy whose checkpoint, states and log paths live under dir.
// Absolute paths are left untouched.
func (c *Config) Rebase(dir string) *Config {
	cp := *c
	r := &cp.Learning.Running
	r.Checkpoint.Filepath = under(dir, r.Checkpoint.Filepath)
	r.StatesDir = under(dir, r.StatesDir)
	r.TensorBoard.LogDir = under(dir, r.TensorBoard.LogDir)
	return &cp
}

func under(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}
