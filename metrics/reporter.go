// Package metrics writes TensorBoard event files and a metrics.json
// history for a training run.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"bilstmtrain/checkpoint"
	"bilstmtrain/config"
	"bilstmtrain/hooks"
	"bilstmtrain/model"
)

// EpochMetrics is one row of metrics.json.
// Non-finite values are recorded as null.
type EpochMetrics struct {
	Epoch      int      `json:"epoch"`
	TrainLoss  *float64 `json:"train_loss"`
	ValLoss    *float64 `json:"val_loss,omitempty"`
	Perplexity *float64 `json:"perplexity"`
	Skipped    int      `json:"skipped_batches,omitempty"`
}

// Finite returns &v, or nil when v is NaN or infinite.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// History is the metrics.json document.
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

const grayscale = 1

// Reporter implements hooks.Listener.
type Reporter struct {
	cfg   config.TensorBoardConfig
	log   *logrus.Logger
	train *EventWriter
	val   *EventWriter

	history History
}

// NewReporter prepares log_dir. An existing metrics.json is continued so a
// resumed run keeps its history.
func NewReporter(cfg config.TensorBoardConfig, log *logrus.Logger) (*Reporter, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics: creating %s: %w", cfg.LogDir, err)
	}
	r := &Reporter{cfg: cfg, log: log}
	data, err := os.ReadFile(r.historyPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("metrics: reading history: %w", err)
	default:
		if err := json.Unmarshal(data, &r.history); err != nil {
			return nil, fmt.Errorf("metrics: parsing %s: %w", r.historyPath(), err)
		}
	}
	return r, nil
}

func (r *Reporter) historyPath() string { return filepath.Join(r.cfg.LogDir, "metrics.json") }

// History returns the recorded epochs.
func (r *Reporter) History() History { return r.history }

func (r *Reporter) writer(validation bool) (*EventWriter, error) {
	var err error
	if validation {
		if r.val == nil {
			r.val, err = NewEventWriter(filepath.Join(r.cfg.LogDir, "validation"))
		}
		return r.val, err
	}
	if r.train == nil {
		r.train, err = NewEventWriter(filepath.Join(r.cfg.LogDir, "train"))
	}
	return r.train, err
}

func (r *Reporter) Notify(ctx context.Context, ev hooks.Event) error {
	switch ev.Kind {
	case hooks.TrainBegin:
		return r.trainBegin(ev)
	case hooks.BatchEnd:
		return r.batchEnd(ev)
	case hooks.EpochEnd:
		return r.epochEnd(ev)
	case hooks.TrainEnd:
		return r.flush()
	}
	return nil
}

// trainBegin drops history rows past the epoch the run starts from, which a
// run stopped between these rows and its run state would otherwise repeat.
func (r *Reporter) trainBegin(ev hooks.Event) error {
	kept := r.history.Epochs[:0]
	for _, row := range r.history.Epochs {
		if row.Epoch <= ev.Epoch {
			kept = append(kept, row)
		}
	}
	if dropped := len(r.history.Epochs) - len(kept); dropped > 0 {
		r.log.WithFields(logrus.Fields{"rows": dropped, "resumed_epoch": ev.Epoch}).Info("dropping replayed history rows")
		r.history.Epochs = kept
		if err := r.saveHistory(); err != nil {
			return err
		}
	}
	if !r.cfg.WriteGraph || ev.Graph == nil {
		return nil
	}
	path := filepath.Join(r.cfg.LogDir, "graph.dot")
	if err := os.WriteFile(path, []byte(ev.Graph.ToDot()), 0o644); err != nil {
		return fmt.Errorf("metrics: writing graph: %w", err)
	}
	r.log.WithField("path", path).Debug("wrote graph snapshot")
	return nil
}

func (r *Reporter) batchEnd(ev hooks.Event) error {
	if !r.cfg.UpdateFreq.FiresAtBatch(ev.Step) {
		return nil
	}
	loss, ok := ev.Metrics["loss"]
	if !ok {
		return nil
	}
	w, err := r.writer(false)
	if err != nil {
		return err
	}
	var s summary
	s.scalar("batch_loss", loss)
	return w.WriteSummary(int64(ev.Step), &s)
}

func (r *Reporter) epochEnd(ev hooks.Event) error {
	var train, val summary
	for _, name := range sortedKeys(ev.Metrics) {
		v := ev.Metrics[name]
		if strings.HasPrefix(name, "val_") {
			val.scalar("epoch_"+strings.TrimPrefix(name, "val_"), v)
		} else {
			train.scalar("epoch_"+name, v)
		}
	}
	if r.cfg.HistogramFreq > 0 && ev.Epoch%r.cfg.HistogramFreq == 0 && ev.Params != nil {
		if err := r.distributions(&train, ev.Params); err != nil {
			return err
		}
	}

	w, err := r.writer(false)
	if err != nil {
		return err
	}
	if err := w.WriteSummary(int64(ev.Epoch), &train); err != nil {
		return err
	}
	if !val.empty() {
		vw, err := r.writer(true)
		if err != nil {
			return err
		}
		if err := vw.WriteSummary(int64(ev.Epoch), &val); err != nil {
			return err
		}
	}

	loss, hasVal := ev.Metrics["val_loss"]
	if !hasVal {
		loss = ev.Metrics["loss"]
	}
	row := EpochMetrics{
		Epoch:      ev.Epoch,
		TrainLoss:  Finite(ev.Metrics["loss"]),
		Perplexity: Finite(math.Exp(loss)),
		Skipped:    int(ev.Metrics["skipped_batches"]),
	}
	if hasVal {
		row.ValLoss = Finite(ev.Metrics["val_loss"])
	}
	r.history.Epochs = append(r.history.Epochs, row)
	if err := r.saveHistory(); err != nil {
		return err
	}
	return r.flush()
}

func (r *Reporter) distributions(s *summary, params *model.Params) error {
	for _, p := range params.All() {
		s.histogram(p.Name, NewHistogram(p.Data(), DefaultBuckets))
		if !r.cfg.WriteImages {
			continue
		}
		shape := p.Shape()
		if len(shape) != 2 {
			continue
		}
		img, err := grayPNG(p.Data(), shape[0], shape[1])
		if err != nil {
			return fmt.Errorf("metrics: rendering %s: %w", p.Name, err)
		}
		s.image(p.Name+"/image", shape[0], shape[1], grayscale, img)
	}
	return nil
}

func (r *Reporter) saveHistory() error {
	err := checkpoint.WriteAtomic(r.historyPath(), func(f *os.File) error {
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r.history)
	})
	if err != nil {
		return fmt.Errorf("metrics: writing history: %w", err)
	}
	return nil
}

func (r *Reporter) flush() error {
	for _, w := range []*EventWriter{r.train, r.val} {
		if w == nil {
			continue
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("metrics: flushing %s: %w", w.Path(), err)
		}
	}
	return nil
}

// Close flushes and closes the event files.
func (r *Reporter) Close() error {
	var first error
	for _, w := range []*EventWriter{r.train, r.val} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.train, r.val = nil, nil
	return first
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
