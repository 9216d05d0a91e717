package head

import (
	"math"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"bilstmtrain/dataset"
	"bilstmtrain/model"
	"bilstmtrain/vocab"
)

func fixture(t *testing.T) (*dataset.Dataset, model.Config, *vocab.Vocabulary) {
	t.Helper()
	inputs := []string{"abba", "cab"}
	targets := []string{"ABBA", "CAB"}
	iv, _ := vocab.BuildAll(inputs)
	tv, _ := vocab.BuildAll(targets)
	inEnc, _ := vocab.NewEncoder(iv, 4)
	tgtEnc, _ := vocab.NewEncoder(tv, 4)
	ds, err := dataset.New(inputs, targets, inEnc, tgtEnc)
	if err != nil {
		t.Fatal(err)
	}
	cfg := model.Config{VocabSize: iv.Size(), EmbeddingDim: 3, CellDim: 2, Layers: 1}
	return ds, cfg, tv
}

func TestTaggerRegister(t *testing.T) {
	p := model.NewRegistry()
	if err := NewTagger(6).Register(p, 4); err != nil {
		t.Fatal(err)
	}
	if s := p.Get("head/w").Shape(); s[0] != 4 || s[1] != 6 {
		t.Errorf("weight shape = %v", s)
	}
	if s := p.Get("head/b").Shape(); s[0] != 1 || s[1] != 6 {
		t.Errorf("bias shape = %v", s)
	}
	if err := NewTagger(0).Register(model.NewRegistry(), 4); err == nil {
		t.Errorf("zero classes accepted")
	}
}

func TestTaggerTargetsWeighted(t *testing.T) {
	ds, _, tv := fixture(t)
	att := &taggerAttachment{classes: tv.Size(), shape: model.Shape{Batch: 3, Steps: 4}}
	s, _ := dataset.NewSampler(ds, 3, false)
	b, _ := s.Epoch(0).Next()
	feed, err := att.Prepare(b)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, d := range feed.([]*tensor.Dense) {
		for _, x := range d.Data().([]float32) {
			sum += float64(x)
		}
	}
	// 7 real positions, each weighted 1/7.
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("target weight sum = %v, want 1", sum)
	}
}

func TestTaggerLoss(t *testing.T) {
	ds, cfg, tv := fixture(t)
	params, err := model.NewParams(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tagger := NewTagger(tv.Size())
	if err := tagger.Register(params, cfg.OutputWidth()); err != nil {
		t.Fatal(err)
	}
	g := gorgonia.NewGraph()
	binder := model.NewBinder(g, params)
	shape := model.Shape{Batch: 3, Steps: 4}
	m, err := model.Build(binder, cfg, shape, false)
	if err != nil {
		t.Fatal(err)
	}
	att, err := tagger.Attach(binder, m.Outputs, shape)
	if err != nil {
		t.Fatal(err)
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := binder.Bind(); err != nil {
		t.Fatal(err)
	}
	s, _ := dataset.NewSampler(ds, 3, false)
	b, _ := s.Epoch(0).Next()
	feed, _ := m.Prepare(b)
	targets, err := att.Prepare(b)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Bind(feed); err != nil {
		t.Fatal(err)
	}
	if err := att.Bind(targets); err != nil {
		t.Fatal(err)
	}
	if err := vm.RunAll(); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	loss := float64(att.Loss().Value().Data().(float32))
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss <= 0 {
		t.Fatalf("loss = %v", loss)
	}
	// Mean cross-entropy of a near-uniform prediction sits close to ln(C).
	if loss > 3*math.Log(float64(tv.Size())) {
		t.Errorf("loss %v far above uniform baseline", loss)
	}
}
