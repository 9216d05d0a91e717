package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bilstmtrain/checkpoint"
	"bilstmtrain/config"
	"bilstmtrain/dataset"
	"bilstmtrain/head"
	"bilstmtrain/metrics"
	"bilstmtrain/trainer"
	"bilstmtrain/vocab"
)

type trainOptions struct {
	Dataset     string
	Config      string
	ExpName     string
	SaveDir     string
	InputVocab  string
	TargetVocab string
	Resume      string
	Fresh       bool
	Debug       bool
}

// Manifest records what a run was trained on.
type Manifest struct {
	Experiment      string    `json:"experiment"`
	DatasetPath     string    `json:"dataset_path"`
	CorpusHash      string    `json:"corpus_hash"`
	TrainSentences  int       `json:"train_sentences"`
	InputVocabSize  int       `json:"input_vocab_size"`
	TargetVocabSize int       `json:"target_vocab_size"`
	Parameters      int       `json:"parameters"`
	Epochs          int       `json:"epochs"`
	FinalLoss       *float64  `json:"final_loss"`
	FinalValLoss    *float64  `json:"final_val_loss,omitempty"`
	TestLoss        *float64  `json:"test_loss,omitempty"`
	SkippedBatches  int       `json:"skipped_batches"`
	ResumedFrom     int       `json:"resumed_from,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	TrainedAt       time.Time `json:"trained_at,omitempty"`
}

func runTrain(args []string) error {
	ds, rest := splitPositional(args)
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	opts := trainOptions{Dataset: ds}
	fs.StringVar(&opts.Config, "config", "", "Path to configuration file (required unless --resume)")
	fs.StringVar(&opts.ExpName, "exp_name", "", "Experiment name")
	fs.StringVar(&opts.SaveDir, "savedir", "../experiments", "Directory experiments are saved under")
	fs.StringVar(&opts.InputVocab, "input_char_vocab", "", "Input vocabulary file; built from data if missing")
	fs.StringVar(&opts.TargetVocab, "target_char_vocab", "", "Target vocabulary file; built from data if missing")
	fs.StringVar(&opts.Resume, "resume", "", "Existing run directory to resume (glob, must match one directory)")
	fs.BoolVar(&opts.Fresh, "fresh", false, "Start from scratch if the saved run state cannot be read")
	fs.BoolVar(&opts.Debug, "debug", false, "Log at debug level")

	fs.Parse(rest)
	if opts.Dataset == "" {
		opts.Dataset = fs.Arg(0)
	}
	if opts.Dataset == "" || (opts.Config == "" && opts.Resume == "") {
		fmt.Println("Error: DATASET and --config (or --resume) are required")
		fs.PrintDefaults()
		return errors.New("missing arguments")
	}

	fmt.Printf("🤖 BiLSTM Training\n")
	fmt.Printf("==================\n\n")

	runDir, name, cfg, err := setupSession(opts)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(runDir, opts.Debug)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Infof("Experiment started at: %s and its name: %s", filepath.Base(runDir), name)
	log.Infof("Experiment arguments: %q", args)
	fmt.Printf("📁 Run directory: %s\n", runDir)

	return train(opts, runDir, name, cfg, log)
}

// setupSession creates or reopens the run directory and returns the
// configuration with its output paths rooted there.
func setupSession(opts trainOptions) (string, string, *config.Config, error) {
	if opts.Resume != "" {
		matches, err := filepath.Glob(opts.Resume)
		if err != nil {
			return "", "", nil, fmt.Errorf("bad --resume pattern: %w", err)
		}
		switch len(matches) {
		case 0:
			return "", "", nil, fmt.Errorf("--resume %s matches no run directory", opts.Resume)
		case 1:
		default:
			return "", "", nil, fmt.Errorf("--resume %s matches %d run directories", opts.Resume, len(matches))
		}
		runDir := matches[0]
		cfg, err := config.Load(filepath.Join(runDir, "config.json"))
		if err != nil {
			return "", "", nil, err
		}
		return runDir, filepath.Base(filepath.Dir(runDir)), cfg, nil
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return "", "", nil, err
	}
	name := cfg.ExperimentName(opts.ExpName)
	runDir := filepath.Join(opts.SaveDir, name, time.Now().Format("2006-01-02_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", nil, fmt.Errorf("creating run directory: %w", err)
	}
	cfg = cfg.Rebase(runDir)
	rc := cfg.Learning.Running
	for _, dir := range []string{filepath.Dir(rc.Checkpoint.Filepath), rc.StatesDir, rc.TensorBoard.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := cfg.Save(filepath.Join(runDir, "config.json")); err != nil {
		return "", "", nil, fmt.Errorf("saving config: %w", err)
	}
	return runDir, name, cfg, nil
}

// loadVocabularies returns the vocabularies from the resumed run directory
// or the given files, building any that are missing from the training data.
func loadVocabularies(opts trainOptions, runDir string, inputs, targets []string, k int) (*vocab.Vocabulary, *vocab.Vocabulary, error) {
	inPath, tgtPath := opts.InputVocab, opts.TargetVocab
	if opts.Resume != "" {
		inPath, tgtPath = filepath.Join(runDir, "vocab.json"), filepath.Join(runDir, "target_vocab.json")
	}
	load := func(path string, build func() (*vocab.Vocabulary, error)) (*vocab.Vocabulary, error) {
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				return vocab.Load(path)
			}
		}
		return build()
	}
	in, err := load(inPath, func() (*vocab.Vocabulary, error) { return vocab.Build(inputs, k) })
	if err != nil {
		return nil, nil, err
	}
	tgt, err := load(tgtPath, func() (*vocab.Vocabulary, error) { return vocab.BuildAll(targets) })
	if err != nil {
		return nil, nil, err
	}
	return in, tgt, nil
}

func readSplit(inputs, targets string, inEnc, tgtEnc *vocab.Encoder) (*dataset.Dataset, error) {
	in, tg, err := dataset.ReadParallel(inputs, targets)
	if err != nil {
		return nil, err
	}
	return dataset.New(in, tg, inEnc, tgtEnc)
}

func train(opts trainOptions, runDir, name string, cfg *config.Config, log *logrus.Logger) error {
	dc := cfg.Learning.Dataset
	files, err := dataset.LoadFiles(opts.Dataset)
	if err != nil {
		return err
	}

	fmt.Printf("📚 Loading train data from %s...\n", files.TrainInputs)
	inputs, targets, err := dataset.ReadParallel(files.TrainInputs, files.TrainTargets)
	if err != nil {
		return err
	}
	n := dc.SentenceLimit.Apply(len(inputs))
	fmt.Printf("   Sentences: %d of %d (limit %s)\n", n, len(inputs), dc.SentenceLimit)

	raw, err := os.ReadFile(files.TrainInputs)
	if err != nil {
		return err
	}
	corpusHash := fmt.Sprintf("%x", sha256.Sum256(raw))[:16]
	fmt.Printf("   Corpus hash: %s\n", corpusHash)

	fmt.Printf("\n📝 Building vocabularies (top %d characters)...\n", dc.TakeNumTopChars)
	inVocab, tgtVocab, err := loadVocabularies(opts, runDir, inputs[:n], targets[:n], dc.TakeNumTopChars)
	if err != nil {
		return err
	}
	fmt.Printf("   Input vocabulary size: %d\n", inVocab.Size())
	fmt.Printf("   Target vocabulary size: %d\n", tgtVocab.Size())
	if err := inVocab.Save(filepath.Join(runDir, "vocab.json")); err != nil {
		return fmt.Errorf("saving vocabulary: %w", err)
	}
	if err := tgtVocab.Save(filepath.Join(runDir, "target_vocab.json")); err != nil {
		return fmt.Errorf("saving target vocabulary: %w", err)
	}

	inEnc, err := vocab.NewEncoder(inVocab, dc.MaxCharsInSentence)
	if err != nil {
		return err
	}
	tgtEnc, err := vocab.NewEncoder(tgtVocab, dc.MaxCharsInSentence)
	if err != nil {
		return err
	}
	all, err := dataset.New(inputs, targets, inEnc, tgtEnc)
	if err != nil {
		return err
	}
	trainSet := all.Cap(dc.SentenceLimit)
	var dev, test *dataset.Dataset
	if files.HasDev() {
		fmt.Println("   Loading validation data")
		if dev, err = readSplit(files.DevInputs, files.DevTargets, inEnc, tgtEnc); err != nil {
			return err
		}
	}
	if files.HasTest() {
		fmt.Println("   Loading test data")
		if test, err = readSplit(files.TestInputs, files.TestTargets, inEnc, tgtEnc); err != nil {
			return err
		}
	}

	rc := cfg.Learning.Running
	mgr, err := checkpoint.NewManager(rc.Checkpoint, dev != nil, log)
	if err != nil {
		return err
	}
	reporter, err := metrics.NewReporter(rc.TensorBoard, log)
	if err != nil {
		return err
	}
	defer reporter.Close()

	tr, err := trainer.New(cfg, inVocab.Size(), head.NewTagger(tgtVocab.Size()),
		trainer.WithLogger(log),
		trainer.WithStateStore(checkpoint.NewStateStore(rc.StatesDir, log)),
		trainer.WithListeners(mgr, reporter),
		trainer.WithFresh(opts.Fresh),
	)
	if err != nil {
		return err
	}

	mc := cfg.Model
	fmt.Printf("\n🧠 Model configuration:\n")
	fmt.Printf("   Architecture: %d-layer BiLSTM\n", mc.RNNLayers)
	fmt.Printf("   Parameters: %d\n", tr.Params().Count())
	fmt.Printf("   Embedding dim: %d\n", mc.CharEmbeddingDim)
	fmt.Printf("   Cell dim: %d\n", mc.RNNCellDim)
	fmt.Printf("   Residual: %v, dropout: %v\n", mc.UseResidual, mc.Dropout)

	manifest := Manifest{
		Experiment:      name,
		DatasetPath:     opts.Dataset,
		CorpusHash:      corpusHash,
		TrainSentences:  trainSet.Len(),
		InputVocabSize:  inVocab.Size(),
		TargetVocabSize: tgtVocab.Size(),
		Parameters:      tr.Params().Count(),
		StartedAt:       time.Now(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("\n🏋️  Training for %d epochs...\n", rc.NumEpochs)
	sum, err := tr.Fit(ctx, trainSet, dev, test)
	if errors.Is(err, context.Canceled) {
		fmt.Printf("\n⏸️  Interrupted after %d epochs. Resume with:\n", sum.Epochs)
		fmt.Printf("   bilstmtrain train %s --resume %s\n", opts.Dataset, runDir)
		return err
	}
	if err != nil {
		return err
	}

	modelPath := filepath.Join(runDir, "model.gob")
	if err := checkpoint.Save(modelPath, checkpoint.Capture(tr.Params(), nil, sum.Epochs, sum.Steps, nil)); err != nil {
		return err
	}

	manifest.Epochs = sum.Epochs
	manifest.FinalLoss = metrics.Finite(sum.LastLoss)
	if dev != nil {
		manifest.FinalValLoss = metrics.Finite(sum.LastValLoss)
	}
	if test != nil {
		manifest.TestLoss = metrics.Finite(sum.TestLoss)
	}
	manifest.SkippedBatches = sum.SkippedBatches
	manifest.ResumedFrom = sum.ResumedFrom
	manifest.TrainedAt = time.Now()
	if err := saveJSON(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}

	fmt.Printf("\n✅ Training complete!\n")
	fmt.Printf("   Final loss: %.4f\n", sum.LastLoss)
	if dev != nil {
		fmt.Printf("   Final validation loss: %.4f\n", sum.LastValLoss)
		fmt.Printf("   Final perplexity: %.2f\n", math.Exp(sum.LastValLoss))
	}
	if sum.SkippedBatches > 0 {
		fmt.Printf("   ⚠️  Skipped %d non-finite batches\n", sum.SkippedBatches)
	}
	fmt.Printf("💾 Model saved to: %s\n", modelPath)
	fmt.Printf("📋 Checkpoints written: %d\n", len(mgr.Saved()))
	return nil
}

func saveJSON(path string, data interface{}) error {
	return checkpoint.WriteAtomic(path, func(f *os.File) error {
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	})
}
