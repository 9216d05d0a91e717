// Package trainer drives the epoch loop: batches through the encoder and
// task head, Adam updates, listeners at every cadence point, and the run
// state that lets an interrupted run resume at an epoch boundary.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"bilstmtrain/checkpoint"
	"bilstmtrain/config"
	"bilstmtrain/dataset"
	"bilstmtrain/head"
	"bilstmtrain/hooks"
	"bilstmtrain/model"
	"bilstmtrain/optim"
)

// Phase is the trainer's lifecycle state.
type Phase int

const (
	Initializing Phase = iota
	Resuming
	Running
	Checkpointing
	Completed
	Failed
	Interrupted
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Resuming:
		return "resuming"
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Summary describes a finished or stopped run.
type Summary struct {
	Epochs         int
	Steps          int
	LastLoss       float64
	LastValLoss    float64
	TestLoss       float64
	SkippedBatches int
	ResumedFrom    int
}

// bestTracker is implemented by listeners that keep a best monitored value
// across a resume.
type bestTracker interface {
	Best() (float64, bool)
	SetBest(float64)
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option { return func(t *Trainer) { t.log = log } }

// WithStateStore enables resume and interrupt backups.
func WithStateStore(s *checkpoint.StateStore) Option { return func(t *Trainer) { t.store = s } }

// WithListeners adds listeners, notified in order.
func WithListeners(ls ...hooks.Listener) Option {
	return func(t *Trainer) { t.listeners = append(t.listeners, ls...) }
}

// WithFresh starts from scratch when the persisted run state cannot be read.
func WithFresh(fresh bool) Option { return func(t *Trainer) { t.fresh = fresh } }

// Trainer owns the parameters and optimizer for one run.
type Trainer struct {
	cfg       *config.Config
	mcfg      model.Config
	params    *model.Params
	head      head.Head
	opt       *optim.Adam
	log       *logrus.Logger
	store     *checkpoint.StateStore
	listeners []hooks.Listener
	fresh     bool

	phase Phase
	seed  int64
	step  int
}

// New validates the architecture and registers encoder and head parameters
// for an input vocabulary of vocabSize ids.
func New(cfg *config.Config, vocabSize int, h head.Head, opts ...Option) (*Trainer, error) {
	t := &Trainer{cfg: cfg, head: h, seed: cfg.Learning.Running.SeedValue()}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = logrus.New()
	}
	t.mcfg = model.FromConfig(cfg.Model, vocabSize)
	params, err := model.NewParams(t.mcfg)
	if err != nil {
		return nil, err
	}
	if err := h.Register(params, t.mcfg.OutputWidth()); err != nil {
		return nil, err
	}
	t.params = params
	t.opt = optim.NewAdam(optim.FromConfig(cfg.Learning.Optimizer), params)
	t.log.WithFields(logrus.Fields{
		"tensors":    len(params.All()),
		"parameters": params.Count(),
	}).Info("model parameters registered")
	return t, nil
}

// Params returns the trained parameters.
func (t *Trainer) Params() *model.Params { return t.params }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() *optim.Adam { return t.opt }

// Phase returns the current lifecycle state.
func (t *Trainer) Phase() Phase { return t.phase }

func (t *Trainer) setPhase(p Phase) {
	if p == t.phase {
		return
	}
	t.log.WithFields(logrus.Fields{"from": t.phase, "to": p}).Debug("trainer phase")
	t.phase = p
}

func (t *Trainer) fail(err error) error {
	t.setPhase(Failed)
	t.log.WithError(err).Error("training failed")
	return err
}

func (t *Trainer) notify(ctx context.Context, ev hooks.Event) error {
	for _, l := range t.listeners {
		if err := l.Notify(ctx, ev); err != nil {
			return fmt.Errorf("trainer: %s listener: %w", ev.Kind, err)
		}
	}
	return nil
}

func (t *Trainer) best() *float64 {
	for _, l := range t.listeners {
		if bt, ok := l.(bestTracker); ok {
			if v, ok := bt.Best(); ok {
				return &v
			}
		}
	}
	return nil
}

// resume restores parameters and optimizer state from the store and returns
// the number of completed epochs.
func (t *Trainer) resume() (int, error) {
	if t.store == nil {
		return 0, nil
	}
	st, snap, err := t.store.Load()
	if err != nil {
		if t.fresh {
			t.log.WithError(err).Warn("run state unreadable, starting fresh")
			return 0, nil
		}
		return 0, err
	}
	if st == nil {
		return 0, nil
	}
	t.setPhase(Resuming)
	if err := checkpoint.Restore(snap, t.params, t.opt); err != nil {
		return 0, fmt.Errorf("trainer: restoring backup: %w", err)
	}
	t.seed, t.step = st.Seed, st.Step
	if st.Best != nil {
		for _, l := range t.listeners {
			if bt, ok := l.(bestTracker); ok {
				bt.SetBest(*st.Best)
			}
		}
	}
	t.log.WithFields(logrus.Fields{
		"completed_epochs": st.Epoch,
		"step":             st.Step,
		"interrupted":      st.Interrupted,
	}).Info("resuming run")
	return st.Epoch, nil
}

// Fit trains for num_epochs epochs. dev and test may be nil. A cancelled
// ctx stops the run after the current batch, writes a backup and returns
// the context error.
func (t *Trainer) Fit(ctx context.Context, train, dev, test *dataset.Dataset) (Summary, error) {
	t.setPhase(Initializing)
	var sum Summary
	rc := t.cfg.Learning.Running
	if train == nil || train.Len() == 0 {
		return sum, t.fail(errors.New("trainer: empty training set"))
	}
	sampler, err := dataset.NewSampler(train, rc.BatchSize, rc.ShuffleValue())
	if err != nil {
		return sum, t.fail(err)
	}
	shape := model.Shape{Batch: rc.BatchSize, Steps: train.Steps}
	ts, err := newSession(t.mcfg, t.params, t.head, shape, true)
	if err != nil {
		return sum, t.fail(err)
	}
	defer ts.close()

	var es *session
	if dev != nil || test != nil {
		if es, err = newSession(t.mcfg, t.params, t.head, shape, false); err != nil {
			return sum, t.fail(err)
		}
		defer es.close()
	}

	completed, err := t.resume()
	if err != nil {
		return sum, t.fail(err)
	}
	sum.ResumedFrom = completed
	sum.Epochs = completed
	if err := t.notify(ctx, t.event(hooks.TrainBegin, completed, 0, nil, ts)); err != nil {
		return sum, t.fail(err)
	}

	for epoch := completed + 1; epoch <= rc.NumEpochs; epoch++ {
		if ctx.Err() != nil {
			return sum, t.interrupt(ctx, completed)
		}
		t.setPhase(Running)
		metrics, err := t.runEpoch(ctx, ts, sampler, epoch)
		if ctx.Err() != nil {
			return sum, t.interrupt(ctx, completed)
		}
		if err != nil {
			return sum, t.fail(err)
		}
		sum.SkippedBatches += int(metrics["skipped_batches"])
		sum.LastLoss = metrics["loss"]

		if dev != nil {
			v, err := t.evaluate(es, dev)
			if err != nil {
				return sum, t.fail(err)
			}
			metrics["val_loss"] = v
			sum.LastValLoss = v
		}
		t.log.WithFields(logFields(epoch, metrics)).Info("epoch complete")

		t.setPhase(Checkpointing)
		if err := t.notify(ctx, t.event(hooks.EpochEnd, epoch, 0, metrics, ts)); err != nil {
			return sum, t.fail(err)
		}
		completed = epoch
		sum.Epochs = epoch
		if err := t.saveState(completed, false); err != nil {
			return sum, t.fail(err)
		}
	}
	sum.Steps = t.step

	if test != nil {
		v, err := t.evaluate(es, test)
		if err != nil {
			return sum, t.fail(err)
		}
		sum.TestLoss = v
		t.log.WithField("test_loss", v).Info("test set evaluated")
	}
	if err := t.notify(ctx, t.event(hooks.TrainEnd, completed, 0, nil, ts)); err != nil {
		return sum, t.fail(err)
	}
	if t.store != nil {
		if err := t.store.Clear(); err != nil {
			return sum, t.fail(err)
		}
	}
	t.setPhase(Completed)
	t.log.WithFields(logrus.Fields{"epochs": sum.Epochs, "skipped_batches": sum.SkippedBatches}).Info("training completed")
	return sum, nil
}

func (t *Trainer) event(kind hooks.Kind, epoch, batch int, metrics map[string]float64, s *session) hooks.Event {
	return hooks.Event{
		Kind:      kind,
		Epoch:     epoch,
		Step:      t.step,
		Batch:     batch,
		Metrics:   metrics,
		Params:    t.params,
		Optimizer: t.opt,
		Graph:     s.g,
	}
}

// runEpoch trains one pass over the sampler. Batches whose loss or
// gradient is non-finite are skipped.
func (t *Trainer) runEpoch(ctx context.Context, s *session, sampler *dataset.Sampler, epoch int) (map[string]float64, error) {
	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	depth := t.cfg.Learning.Running.PrefetchDepth()
	batches := dataset.Prefetch(ectx, sampler.Epoch(t.seed+int64(epoch)), depth, s.prepare)

	var total float64
	var done, skipped int
	for p := range batches {
		if ctx.Err() != nil {
			break
		}
		if p.Err != nil {
			return nil, p.Err
		}
		loss, grads, err := s.run(p.Value)
		if err == nil {
			if err = optim.CheckLoss(loss); err == nil {
				err = t.opt.Step(grads)
			}
		}
		var ni *optim.NumericalInstabilityError
		if errors.As(err, &ni) {
			skipped++
			t.log.WithFields(logrus.Fields{"epoch": epoch, "batch": p.Batch.Index}).WithError(err).Warn("skipping batch")
			continue
		}
		if err != nil {
			return nil, err
		}
		t.step++
		done++
		total += loss
		if err := t.notify(ctx, t.event(hooks.BatchEnd, epoch, p.Batch.Index, map[string]float64{"loss": loss}, s)); err != nil {
			return nil, err
		}
	}

	mean := math.NaN()
	if done > 0 {
		mean = total / float64(done)
	}
	return map[string]float64{"loss": mean, "skipped_batches": float64(skipped)}, nil
}

// evaluate returns the position-weighted mean loss over ds.
func (t *Trainer) evaluate(s *session, ds *dataset.Dataset) (float64, error) {
	if ds.Len() == 0 {
		return math.NaN(), nil
	}
	if ds.Steps != s.net.Shape().Steps {
		return 0, fmt.Errorf("trainer: evaluation set has %d positions, graph has %d", ds.Steps, s.net.Shape().Steps)
	}
	sampler, err := dataset.NewSampler(ds, s.net.Shape().Batch, false)
	if err != nil {
		return 0, err
	}
	it := sampler.Epoch(0)
	var total float64
	var positions int
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		p, err := s.prepare(b)
		if err != nil {
			return 0, err
		}
		loss, _, err := s.run(p)
		if err != nil {
			return 0, err
		}
		total += loss * float64(p.positions)
		positions += p.positions
	}
	if positions == 0 {
		return math.NaN(), nil
	}
	return total / float64(positions), nil
}

func (t *Trainer) saveState(completed int, interrupted bool) error {
	if t.store == nil {
		return nil
	}
	st := checkpoint.State{
		Epoch:       completed,
		Seed:        t.seed,
		Step:        t.step,
		Interrupted: interrupted,
		Best:        t.best(),
	}
	return t.store.Save(st, checkpoint.Capture(t.params, t.opt, completed, t.step, nil))
}

// interrupt writes a backup of the last completed batch. The recorded epoch
// counts only completed epochs, so a resumed run restarts the interrupted
// epoch from its beginning.
func (t *Trainer) interrupt(ctx context.Context, completed int) error {
	t.setPhase(Interrupted)
	t.log.WithFields(logrus.Fields{"completed_epochs": completed, "step": t.step}).Warn("training interrupted")
	if err := t.saveState(completed, true); err != nil {
		t.log.WithError(err).Error("writing interrupt backup")
		return fmt.Errorf("trainer: interrupted, backup failed: %w", err)
	}
	return ctx.Err()
}

func logFields(epoch int, metrics map[string]float64) logrus.Fields {
	f := logrus.Fields{"epoch": epoch}
	for k, v := range metrics {
		f[k] = v
	}
	return f
}
