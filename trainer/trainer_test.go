package trainer

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"bilstmtrain/checkpoint"
	"bilstmtrain/config"
	"bilstmtrain/dataset"
	"bilstmtrain/head"
	"bilstmtrain/hooks"
	"bilstmtrain/metrics"
	"bilstmtrain/vocab"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(dir string, epochs int) *config.Config {
	return &config.Config{
		Model: config.ModelConfig{CharEmbeddingDim: 4, RNNCellDim: 3, RNNLayers: 2, Dropout: 0.1},
		Learning: config.LearningConfig{
			Dataset:   config.DatasetConfig{MaxCharsInSentence: 6, TakeNumTopChars: 3},
			Optimizer: config.OptimizerConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7},
			Running: config.RunningConfig{
				BatchSize: 2,
				NumEpochs: epochs,
				Checkpoint: config.CheckpointConfig{
					Filepath: filepath.Join(dir, "checkpoints", "weights.{epoch:02d}.ckpt"),
					SaveFreq: config.Epoch,
				},
				StatesDir:   filepath.Join(dir, "states"),
				TensorBoard: config.TensorBoardConfig{LogDir: filepath.Join(dir, "logs"), UpdateFreq: config.Epoch},
			},
		},
	}
}

type fixture struct {
	train, dev *dataset.Dataset
	classes    int
	vocabSize  int
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	inputs := []string{"abcabc", "bcbcbc", "cab", "abba", "cc"}
	targets := []string{"ABCABC", "BCBCBC", "CAB", "ABBA", "CC"}
	iv, err := vocab.Build(inputs, 3)
	if err != nil {
		t.Fatal(err)
	}
	tv, _ := vocab.BuildAll(targets)
	inEnc, _ := vocab.NewEncoder(iv, 6)
	tgtEnc, _ := vocab.NewEncoder(tv, 6)
	train, err := dataset.New(inputs, targets, inEnc, tgtEnc)
	if err != nil {
		t.Fatal(err)
	}
	dev, _ := dataset.New(inputs[:2], targets[:2], inEnc, tgtEnc)
	return fixture{train: train, dev: dev, classes: tv.Size(), vocabSize: iv.Size()}
}

func listeners(t *testing.T, cfg *config.Config, hasDev bool) *checkpoint.Manager {
	t.Helper()
	m, err := checkpoint.NewManager(cfg.Learning.Running.Checkpoint, hasDev, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFitCheckpointsEveryEpoch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 10)
	fx := newFixture(t)
	mgr := listeners(t, cfg, true)
	store := checkpoint.NewStateStore(cfg.Learning.Running.StatesDir, quietLogger())

	tr, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(store), WithListeners(mgr))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := tr.Fit(context.Background(), fx.train, fx.dev, nil)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if tr.Phase() != Completed {
		t.Errorf("phase = %v", tr.Phase())
	}
	if sum.Epochs != 10 || sum.ResumedFrom != 0 {
		t.Errorf("summary = %+v", sum)
	}
	// 5 examples at batch size 2 is 3 batches per epoch.
	if sum.Steps+sum.SkippedBatches != 30 {
		t.Errorf("steps %d + skipped %d, want 30", sum.Steps, sum.SkippedBatches)
	}
	if math.IsNaN(sum.LastLoss) || math.IsNaN(sum.LastValLoss) {
		t.Errorf("losses not recorded: %+v", sum)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "checkpoints", "weights.*.ckpt"))
	if len(files) != 10 {
		t.Errorf("checkpoint files = %d, want 10", len(files))
	}
	if st, _, _ := store.Load(); st != nil {
		t.Errorf("run state left after completion: %+v", st)
	}
}

func TestFitLearns(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 30)
	cfg.Model.Dropout = 0
	cfg.Learning.Optimizer.LearningRate = 0.05
	fx := newFixture(t)

	tr, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	var first float64
	record := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.EpochEnd && ev.Epoch == 1 {
			first = ev.Metrics["loss"]
		}
		return nil
	})
	tr.listeners = append(tr.listeners, record)
	sum, err := tr.Fit(context.Background(), fx.train, nil, fx.dev)
	if err != nil {
		t.Fatal(err)
	}
	if !(sum.LastLoss < first) {
		t.Errorf("loss did not decrease: first %v last %v", first, sum.LastLoss)
	}
	if math.IsNaN(sum.TestLoss) || sum.TestLoss <= 0 {
		t.Errorf("test loss = %v", sum.TestLoss)
	}
}

func TestInterruptAndResume(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 10)
	fx := newFixture(t)
	store := checkpoint.NewStateStore(cfg.Learning.Running.StatesDir, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAfter4 := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.EpochEnd && ev.Epoch == 4 {
			cancel()
		}
		return nil
	})
	first, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(store), WithListeners(listeners(t, cfg, true), stopAfter4))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := first.Fit(ctx, fx.train, fx.dev, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fit after cancel = %v", err)
	}
	if first.Phase() != Interrupted || sum.Epochs != 4 {
		t.Fatalf("phase %v after %d epochs", first.Phase(), sum.Epochs)
	}
	st, snap, err := store.Load()
	if err != nil || st == nil {
		t.Fatalf("no run state after interrupt: %v", err)
	}
	if st.Epoch != 4 || !st.Interrupted || snap.Optimizer == nil {
		t.Errorf("state = %+v", st)
	}

	var epochs []int
	record := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.EpochEnd {
			epochs = append(epochs, ev.Epoch)
		}
		return nil
	})
	second, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(store), WithListeners(listeners(t, cfg, true), record))
	if err != nil {
		t.Fatal(err)
	}
	sum, err = second.Fit(context.Background(), fx.train, fx.dev, nil)
	if err != nil {
		t.Fatalf("resumed Fit: %v", err)
	}
	if sum.ResumedFrom != 4 || len(epochs) != 6 || epochs[0] != 5 || epochs[5] != 10 {
		t.Errorf("resumed from %d, ran epochs %v", sum.ResumedFrom, epochs)
	}
	// 12 steps restored from the backup plus 18 more.
	if sum.Steps <= 18 || second.Optimizer().Steps() != sum.Steps {
		t.Errorf("step counter not carried over: summary %d optimizer %d", sum.Steps, second.Optimizer().Steps())
	}
	files, _ := filepath.Glob(filepath.Join(dir, "checkpoints", "weights.*.ckpt"))
	if len(files) != 10 {
		t.Errorf("checkpoint files = %d, want 10", len(files))
	}
}

func TestResumeCorruptState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 1)
	fx := newFixture(t)
	states := cfg.Learning.Running.StatesDir
	if err := os.MkdirAll(states, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(states, "run_state.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, _ := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(checkpoint.NewStateStore(states, quietLogger())))
	_, err := tr.Fit(context.Background(), fx.train, nil, nil)
	var ioErr *checkpoint.IOError
	if !errors.As(err, &ioErr) || tr.Phase() != Failed {
		t.Fatalf("corrupt state: err %v phase %v", err, tr.Phase())
	}

	fresh, _ := New(cfg, fx.vocabSize, head.NewTagger(fx.classes), WithLogger(quietLogger()),
		WithStateStore(checkpoint.NewStateStore(states, quietLogger())), WithFresh(true))
	if _, err := fresh.Fit(context.Background(), fx.train, nil, nil); err != nil {
		t.Fatalf("fresh start: %v", err)
	}
}

func TestNewRejectsResidualMismatch(t *testing.T) {
	cfg := testConfig(t.TempDir(), 1)
	cfg.Model.UseResidual = true
	fx := newFixture(t)
	_, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes), WithLogger(quietLogger()))
	if err == nil {
		t.Fatal("residual with mismatched widths accepted")
	}
}

func TestFitSkipsNonFiniteBatches(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 3)
	cfg.Learning.Running.Checkpoint.SaveBestOnly = true
	fx := newFixture(t)
	mgr := listeners(t, cfg, true)
	reporter, err := metrics.NewReporter(cfg.Learning.Running.TensorBoard, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reporter.Close()

	// The bias stays NaN through epoch 1, so every batch of that epoch has a
	// NaN loss. Later epochs train on a repaired bias.
	repair := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.EpochEnd && ev.Epoch == 1 {
			ev.Params.Get("head/b").Data()[0] = 0
		}
		return nil
	})
	tr, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithListeners(mgr, reporter, repair))
	if err != nil {
		t.Fatal(err)
	}
	tr.Params().Get("head/b").Data()[0] = float32(math.NaN())

	sum, err := tr.Fit(context.Background(), fx.train, fx.dev, nil)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if tr.Phase() != Completed {
		t.Errorf("phase = %v", tr.Phase())
	}
	if sum.SkippedBatches != 3 || sum.Steps != 6 {
		t.Errorf("skipped %d steps %d, want 3 and 6", sum.SkippedBatches, sum.Steps)
	}
	if math.IsNaN(sum.LastLoss) || math.IsNaN(sum.LastValLoss) {
		t.Errorf("later epochs did not train: %+v", sum)
	}
	if tr.Optimizer().Steps() != 6 {
		t.Errorf("optimizer steps = %d, want 6", tr.Optimizer().Steps())
	}

	h := reporter.History()
	if len(h.Epochs) != 3 {
		t.Fatalf("history rows = %d, want 3", len(h.Epochs))
	}
	if h.Epochs[0].TrainLoss != nil || h.Epochs[0].Skipped != 3 {
		t.Errorf("epoch 1 row = %+v", h.Epochs[0])
	}
	if h.Epochs[1].TrainLoss == nil || h.Epochs[2].ValLoss == nil {
		t.Errorf("finite epochs not recorded: %+v %+v", h.Epochs[1], h.Epochs[2])
	}
	if _, err := metrics.NewReporter(cfg.Learning.Running.TensorBoard, quietLogger()); err != nil {
		t.Errorf("history unreadable after a NaN epoch: %v", err)
	}

	// The NaN epoch has no monitored value, so the first best checkpoint is epoch 2.
	if _, err := os.Stat(filepath.Join(dir, "checkpoints", "weights.01.ckpt")); !os.IsNotExist(err) {
		t.Errorf("checkpoint written for the NaN epoch")
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoints", "weights.02.ckpt")); err != nil {
		t.Errorf("epoch 2 checkpoint: %v", err)
	}
}

func TestInterruptMidEpoch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 5)
	fx := newFixture(t)
	store := checkpoint.NewStateStore(cfg.Learning.Running.StatesDir, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopInEpoch3 := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.BatchEnd && ev.Epoch == 3 {
			cancel()
		}
		return nil
	})
	first, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(store), WithListeners(listeners(t, cfg, true), stopInEpoch3))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := first.Fit(ctx, fx.train, fx.dev, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fit after cancel = %v", err)
	}
	if first.Phase() != Interrupted || sum.Epochs != 2 {
		t.Fatalf("phase %v after %d epochs", first.Phase(), sum.Epochs)
	}

	st, snap, err := store.Load()
	if err != nil || st == nil {
		t.Fatalf("no run state after interrupt: %v", err)
	}
	// Two full epochs of 3 batches and the one batch of epoch 3.
	if st.Epoch != 2 || !st.Interrupted || st.Step != 7 {
		t.Errorf("state = %+v", st)
	}
	if snap.Step != 7 || snap.Optimizer == nil || snap.Optimizer.Step != 7 {
		t.Errorf("backup step %d, optimizer %+v", snap.Step, snap.Optimizer != nil)
	}

	var epochs []int
	record := hooks.Func(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.EpochEnd {
			epochs = append(epochs, ev.Epoch)
		}
		return nil
	})
	second, err := New(cfg, fx.vocabSize, head.NewTagger(fx.classes),
		WithLogger(quietLogger()), WithStateStore(store), WithListeners(listeners(t, cfg, true), record))
	if err != nil {
		t.Fatal(err)
	}
	sum, err = second.Fit(context.Background(), fx.train, fx.dev, nil)
	if err != nil {
		t.Fatalf("resumed Fit: %v", err)
	}
	if sum.ResumedFrom != 2 || len(epochs) != 3 || epochs[0] != 3 || epochs[2] != 5 {
		t.Errorf("resumed from %d, ran epochs %v", sum.ResumedFrom, epochs)
	}
	if sum.Steps != 7+9 {
		t.Errorf("steps = %d, want 16", sum.Steps)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "checkpoints", "weights.*.ckpt"))
	if len(files) != 5 {
		t.Errorf("checkpoint files = %d, want 5", len(files))
	}
}
