// Package head defines the task head contract the trainer attaches to the
// encoder outputs, and a per-position character tagger.
package head

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"bilstmtrain/dataset"
	"bilstmtrain/model"
)

// Head turns encoder outputs into a scalar training loss.
type Head interface {
	// Register adds the head's parameters to the registry for encoder
	// outputs of the given width.
	Register(p *model.Params, width int) error
	// Attach builds the loss on a graph's outputs.
	Attach(b *model.Binder, outputs gorgonia.Nodes, shape model.Shape) (Attachment, error)
}

// Attachment is a head attached to one graph.
type Attachment interface {
	Loss() *gorgonia.Node
	Prepare(batch dataset.Batch) (interface{}, error)
	Bind(feed interface{}) error
}

// Tagger predicts one target character per input position. It is trained
// on parallel sentences whose targets align with the inputs.
type Tagger struct {
	Classes int
}

const (
	weightName = "head/w"
	biasName   = "head/b"
	logEps     = 1e-7
)

// NewTagger returns a tagger over a target alphabet of the given size.
func NewTagger(classes int) *Tagger { return &Tagger{Classes: classes} }

func (h *Tagger) Register(p *model.Params, width int) error {
	if h.Classes <= 0 {
		return fmt.Errorf("head: tagger needs a positive class count, got %d", h.Classes)
	}
	if _, err := p.Add(weightName, width, h.Classes, gorgonia.GlorotU(1.0)); err != nil {
		return err
	}
	_, err := p.Add(biasName, 1, h.Classes, gorgonia.Zeroes())
	return err
}

type taggerAttachment struct {
	classes int
	shape   model.Shape
	targets gorgonia.Nodes
	loss    *gorgonia.Node
}

// Attach computes the mean cross-entropy over real positions. The per-step
// target matrices carry 1/count at the gold class, so padding and masked
// rows contribute nothing.
func (h *Tagger) Attach(b *model.Binder, outputs gorgonia.Nodes, shape model.Shape) (a Attachment, err error) {
	w, err := b.Node(weightName)
	if err != nil {
		return nil, err
	}
	bias, err := b.Node(biasName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("head: building loss: %v", r)
		}
	}()

	g := b.Graph()
	att := &taggerAttachment{classes: h.Classes, shape: shape}
	eps := gorgonia.NewConstant(float32(logEps))
	var total *gorgonia.Node
	for t, out := range outputs {
		target := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(shape.Batch, h.Classes), gorgonia.WithName(fmt.Sprintf("target_%03d", t)))
		att.targets = append(att.targets, target)

		logits := gorgonia.Must(gorgonia.BroadcastAdd(gorgonia.Must(gorgonia.Mul(out, w)), bias, nil, []byte{0}))
		probs := gorgonia.Must(gorgonia.SoftMax(logits))
		logp := gorgonia.Must(gorgonia.Log(gorgonia.Must(gorgonia.Add(probs, eps))))
		term := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(target, logp))))
		if total == nil {
			total = term
		} else {
			total = gorgonia.Must(gorgonia.Add(total, term))
		}
	}
	att.loss = gorgonia.Must(gorgonia.Neg(total))
	return att, nil
}

func (a *taggerAttachment) Loss() *gorgonia.Node { return a.loss }

// Prepare builds the weighted one-hot targets for a batch.
func (a *taggerAttachment) Prepare(batch dataset.Batch) (interface{}, error) {
	B, T, C := a.shape.Batch, a.shape.Steps, a.classes
	count := 0
	for _, ex := range batch.Examples {
		count += ex.Input.Len
	}
	weight := float32(0)
	if count > 0 {
		weight = 1 / float32(count)
	}
	out := make([]*tensor.Dense, T)
	for t := 0; t < T; t++ {
		data := make([]float32, B*C)
		for r, ex := range batch.Examples {
			if t >= ex.Input.Len {
				continue
			}
			if len(ex.Target.IDs) != T {
				return nil, fmt.Errorf("head: target has %d positions, graph expects %d", len(ex.Target.IDs), T)
			}
			id := ex.Target.IDs[t]
			if id < 0 || id >= C {
				return nil, fmt.Errorf("head: target id %d outside %d classes", id, C)
			}
			data[r*C+id] = weight
		}
		out[t] = tensor.New(tensor.WithShape(B, C), tensor.WithBacking(data))
	}
	return out, nil
}

func (a *taggerAttachment) Bind(feed interface{}) error {
	targets, ok := feed.([]*tensor.Dense)
	if !ok || len(targets) != len(a.targets) {
		return fmt.Errorf("head: unexpected feed %T", feed)
	}
	for t, n := range a.targets {
		if err := gorgonia.Let(n, targets[t]); err != nil {
			return err
		}
	}
	return nil
}
