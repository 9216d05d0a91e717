package metrics

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"bilstmtrain/config"
	"bilstmtrain/hooks"
	"bilstmtrain/model"
)

// fields splits one protobuf message into its top-level fields.
func fields(t *testing.T, b []byte) map[protowire.Number][]interface{} {
	t.Helper()
	out := make(map[protowire.Number][]interface{})
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var v interface{}
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			v, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
		if n < 0 {
			t.Fatalf("bad field %d: %v", num, protowire.ParseError(n))
		}
		out[num] = append(out[num], v)
		b = b[n:]
	}
	return out
}

func TestHistogram(t *testing.T) {
	h := NewHistogram([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 5)
	if h.Min != 0 || h.Max != 9 || h.Num != 10 || h.Sum != 45 || h.SumSquares != 285 {
		t.Errorf("histogram stats = %+v", h)
	}
	if len(h.Counts) != 5 || len(h.Limits) != 5 {
		t.Fatalf("buckets = %d limits = %d", len(h.Counts), len(h.Limits))
	}
	var total float64
	for _, c := range h.Counts {
		total += c
	}
	if total != 10 {
		t.Errorf("bucket total = %v, want 10", total)
	}
	if h.Limits[4] < 9 {
		t.Errorf("last limit %v below max", h.Limits[4])
	}

	flat := NewHistogram([]float32{1, 1, 1}, 4)
	var n float64
	for _, c := range flat.Counts {
		n += c
	}
	if n != 3 {
		t.Errorf("constant histogram counts %v", flat.Counts)
	}
}

func TestEventFraming(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	var s summary
	s.scalar("epoch_loss", 0.25)
	if err := w.WriteSummary(3, &s); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	recs, err := readRecords(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	first := fields(t, recs[0])
	if string(first[eventFileVersion][0].([]byte)) != "brain.Event:2" {
		t.Errorf("first record is not the file version")
	}

	ev := fields(t, recs[1])
	if ev[eventStep][0].(uint64) != 3 {
		t.Errorf("step = %v", ev[eventStep])
	}
	sum := fields(t, ev[eventSummary][0].([]byte))
	val := fields(t, sum[summaryValue][0].([]byte))
	if string(val[valueTag][0].([]byte)) != "epoch_loss" {
		t.Errorf("tag = %q", val[valueTag][0])
	}
	if got := math.Float32frombits(val[valueSimple][0].(uint32)); got != 0.25 {
		t.Errorf("simple_value = %v", got)
	}
}

func TestReporter(t *testing.T) {
	dir := t.TempDir()
	cfg := config.TensorBoardConfig{
		LogDir:        dir,
		HistogramFreq: 1,
		WriteImages:   true,
		UpdateFreq:    config.Frequency{Unit: config.PerBatch},
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	r, err := NewReporter(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	params, _ := model.NewParams(model.Config{VocabSize: 4, EmbeddingDim: 2, CellDim: 2, Layers: 1})
	ctx := context.Background()
	events := []hooks.Event{
		{Kind: hooks.TrainBegin},
		{Kind: hooks.BatchEnd, Epoch: 1, Step: 1, Metrics: map[string]float64{"loss": 1.5}},
		{Kind: hooks.BatchEnd, Epoch: 1, Step: 2, Metrics: map[string]float64{"loss": 1.2}},
		{Kind: hooks.EpochEnd, Epoch: 1, Step: 2, Params: params, Metrics: map[string]float64{"loss": 1.3, "val_loss": 1.4}},
		{Kind: hooks.TrainEnd, Epoch: 1, Step: 2},
	}
	for _, ev := range events {
		if err := r.Notify(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.Kind, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	trainFiles, _ := filepath.Glob(filepath.Join(dir, "train", "events.out.tfevents.*"))
	valFiles, _ := filepath.Glob(filepath.Join(dir, "validation", "events.out.tfevents.*"))
	if len(trainFiles) != 1 || len(valFiles) != 1 {
		t.Fatalf("event files: train %v validation %v", trainFiles, valFiles)
	}
	recs, err := readRecords(trainFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	// version, two batch scalars, one epoch summary
	if len(recs) != 4 {
		t.Errorf("train records = %d, want 4", len(recs))
	}
	epoch := fields(t, fields(t, recs[3])[eventSummary][0].([]byte))
	// one scalar, then a histogram and an image per parameter
	if got, want := len(epoch[summaryValue]), 1+2*len(params.All()); got != want {
		t.Errorf("epoch summary values = %d, want %d", got, want)
	}
	recs, _ = readRecords(valFiles[0])
	if len(recs) != 2 {
		t.Errorf("validation records = %d, want 2", len(recs))
	}
	if _, err := os.Stat(filepath.Join(dir, "graph.dot")); !os.IsNotExist(err) {
		t.Errorf("graph.dot written without a graph")
	}

	r2, err := NewReporter(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	h := r2.History()
	if len(h.Epochs) != 1 {
		t.Fatalf("history = %+v", h)
	}
	row := h.Epochs[0]
	if row.TrainLoss == nil || *row.TrainLoss != 1.3 || row.ValLoss == nil || *row.ValLoss != 1.4 {
		t.Errorf("history row = %+v", row)
	}
	if row.Perplexity == nil || math.Abs(*row.Perplexity-math.Exp(1.4)) > 1e-9 {
		t.Errorf("perplexity = %v", row.Perplexity)
	}
}

func TestReporterNonFiniteHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.TensorBoardConfig{LogDir: dir, UpdateFreq: config.Epoch}
	log := logrus.New()
	log.SetOutput(io.Discard)
	r, err := NewReporter(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for epoch, loss := range []float64{math.NaN(), 0.9, 0.8} {
		ev := hooks.Event{Kind: hooks.EpochEnd, Epoch: epoch + 1, Metrics: map[string]float64{
			"loss": loss, "val_loss": loss, "skipped_batches": 0,
		}}
		if err := r.Notify(ctx, ev); err != nil {
			t.Fatalf("epoch %d: %v", epoch+1, err)
		}
	}
	r.Close()

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"train_loss": null`) {
		t.Errorf("NaN loss not written as null:\n%s", data)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".metrics.json.tmp*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left: %v", leftovers)
	}

	r2, err := NewReporter(cfg, log)
	if err != nil {
		t.Fatalf("reopening history: %v", err)
	}
	h := r2.History()
	if len(h.Epochs) != 3 || h.Epochs[0].TrainLoss != nil || h.Epochs[0].Perplexity != nil || h.Epochs[1].TrainLoss == nil {
		t.Fatalf("history = %+v", h)
	}

	// A run resumed after epoch 1 replays epochs 2 and 3.
	if err := r2.Notify(ctx, hooks.Event{Kind: hooks.TrainBegin, Epoch: 1}); err != nil {
		t.Fatal(err)
	}
	if got := len(r2.History().Epochs); got != 1 {
		t.Errorf("rows after resume at epoch 1 = %d, want 1", got)
	}
	r3, err := NewReporter(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(r3.History().Epochs); got != 1 {
		t.Errorf("persisted rows after resume = %d, want 1", got)
	}
}
