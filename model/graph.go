package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"bilstmtrain/dataset"
)

// Binder creates graph nodes for registry parameters, one node per
// parameter per graph, and remembers them as the graph's learnables.
type Binder struct {
	g      *gorgonia.ExprGraph
	params *Params
	nodes  gorgonia.Nodes
	bound  []*Param
	byName map[string]*gorgonia.Node
}

// NewBinder returns a binder for g over params.
func NewBinder(g *gorgonia.ExprGraph, params *Params) *Binder {
	return &Binder{g: g, params: params, byName: make(map[string]*gorgonia.Node)}
}

// Graph returns the expression graph.
func (b *Binder) Graph() *gorgonia.ExprGraph { return b.g }

// Params returns the registry nodes are created from.
func (b *Binder) Params() *Params { return b.params }

// Node returns the node for the named parameter, creating it on first use.
func (b *Binder) Node(name string) (*gorgonia.Node, error) {
	if n, ok := b.byName[name]; ok {
		return n, nil
	}
	p := b.params.Get(name)
	if p == nil {
		return nil, fmt.Errorf("model: unknown parameter %q", name)
	}
	n := gorgonia.NewMatrix(b.g, tensor.Float32,
		gorgonia.WithShape(p.Shape()...),
		gorgonia.WithName(name),
		gorgonia.WithValue(p.Value),
	)
	b.byName[name] = n
	b.nodes = append(b.nodes, n)
	b.bound = append(b.bound, p)
	return n, nil
}

// Learnables returns the created nodes in creation order.
func (b *Binder) Learnables() gorgonia.Nodes { return b.nodes }

// Bound returns the parameters aligned with Learnables.
func (b *Binder) Bound() []*Param { return b.bound }

// Bind points every learnable node at its registry tensor. Call it after
// the VM is constructed so in-place parameter updates are what the graph
// reads.
func (b *Binder) Bind() error {
	for i, n := range b.nodes {
		if err := gorgonia.Let(n, b.bound[i].Value); err != nil {
			return fmt.Errorf("model: binding %s: %w", n.Name(), err)
		}
	}
	return nil
}

// Shape is the fixed batch geometry of a graph.
type Shape struct {
	Batch int
	Steps int
}

// Graph is an unrolled encoder for one batch geometry.
type Graph struct {
	cfg   Config
	shape Shape

	// Inputs holds one (Batch x VocabSize) one-hot matrix per position.
	Inputs gorgonia.Nodes
	// Masks and Inverse hold (Batch x CellDim) content masks and 1-mask.
	Masks   gorgonia.Nodes
	Inverse gorgonia.Nodes
	// Outputs holds one (Batch x 2*CellDim) contextual matrix per position.
	Outputs gorgonia.Nodes
}

// Config returns the architecture the graph was built from.
func (m *Graph) Config() Config { return m.cfg }

// Shape returns the batch geometry.
func (m *Graph) Shape() Shape { return m.shape }

// Build validates cfg and unrolls the embedding and recurrent stack over
// shape.Steps positions. Dropout is only placed in training graphs.
func Build(b *Binder, cfg Config, shape Shape, train bool) (m *Graph, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if shape.Batch <= 0 || shape.Steps <= 0 {
		return nil, fmt.Errorf("model: invalid graph shape %+v", shape)
	}
	// gorgonia.Must panics on op construction errors.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("model: building graph: %v", r)
		}
	}()

	g := b.Graph()
	m = &Graph{cfg: cfg, shape: shape}
	B, H := shape.Batch, cfg.CellDim

	emb, err := b.Node(embeddingName)
	if err != nil {
		return nil, err
	}
	xs := make(gorgonia.Nodes, shape.Steps)
	for t := 0; t < shape.Steps; t++ {
		in := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(B, cfg.VocabSize), gorgonia.WithName(fmt.Sprintf("x_%03d", t)))
		mask := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(B, H), gorgonia.WithName(fmt.Sprintf("mask_%03d", t)))
		inv := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(B, H), gorgonia.WithName(fmt.Sprintf("invmask_%03d", t)))
		m.Inputs = append(m.Inputs, in)
		m.Masks = append(m.Masks, mask)
		m.Inverse = append(m.Inverse, inv)
		xs[t] = gorgonia.Must(gorgonia.Mul(in, emb))
	}

	zero := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(B, H), gorgonia.WithName("zero_state"), gorgonia.WithInit(gorgonia.Zeroes()))
	for l := 0; l < cfg.Layers; l++ {
		fwd, err := m.direction(b, l, "fwd", xs, zero, false)
		if err != nil {
			return nil, err
		}
		bwd, err := m.direction(b, l, "bwd", xs, zero, true)
		if err != nil {
			return nil, err
		}
		ys := make(gorgonia.Nodes, shape.Steps)
		for t := range ys {
			y := gorgonia.Must(gorgonia.Concat(1, fwd[t], bwd[t]))
			if train && cfg.Dropout > 0 && l < cfg.Layers-1 {
				y = gorgonia.Must(gorgonia.Dropout(y, cfg.Dropout))
			}
			if cfg.Residual {
				y = gorgonia.Must(gorgonia.Add(y, xs[t]))
			}
			ys[t] = y
		}
		xs = ys
	}
	m.Outputs = xs
	return m, nil
}

type cell struct {
	wx, wh, b [4]*gorgonia.Node
}

func (m *Graph) loadCell(b *Binder, layer int, dir string) (cell, error) {
	var c cell
	var err error
	for gi, gate := range gates {
		if c.wx[gi], err = b.Node(cellName(layer, dir, "wx", gate)); err != nil {
			return c, err
		}
		if c.wh[gi], err = b.Node(cellName(layer, dir, "wh", gate)); err != nil {
			return c, err
		}
		if c.b[gi], err = b.Node(cellName(layer, dir, "b", gate)); err != nil {
			return c, err
		}
	}
	return c, nil
}

// direction runs one LSTM over xs, right to left when reverse is set. The
// state only advances where the mask is set, so padding never leaks into
// either direction.
func (m *Graph) direction(b *Binder, layer int, dir string, xs gorgonia.Nodes, zero *gorgonia.Node, reverse bool) (gorgonia.Nodes, error) {
	c, err := m.loadCell(b, layer, dir)
	if err != nil {
		return nil, err
	}
	out := make(gorgonia.Nodes, len(xs))
	h, state := zero, zero
	for k := range xs {
		t := k
		if reverse {
			t = len(xs) - 1 - k
		}
		var acts [4]*gorgonia.Node
		for gi := range gates {
			z := gorgonia.Must(gorgonia.Add(
				gorgonia.Must(gorgonia.Mul(xs[t], c.wx[gi])),
				gorgonia.Must(gorgonia.Mul(h, c.wh[gi])),
			))
			z = gorgonia.Must(gorgonia.BroadcastAdd(z, c.b[gi], nil, []byte{0}))
			if gates[gi] == "g" {
				acts[gi] = gorgonia.Must(gorgonia.Tanh(z))
			} else {
				acts[gi] = gorgonia.Must(gorgonia.Sigmoid(z))
			}
		}
		i, f, o, g := acts[0], acts[1], acts[2], acts[3]

		cNew := gorgonia.Must(gorgonia.Add(
			gorgonia.Must(gorgonia.HadamardProd(f, state)),
			gorgonia.Must(gorgonia.HadamardProd(i, g)),
		))
		hNew := gorgonia.Must(gorgonia.HadamardProd(o, gorgonia.Must(gorgonia.Tanh(cNew))))

		mask, inv := m.Masks[t], m.Inverse[t]
		state = gorgonia.Must(gorgonia.Add(
			gorgonia.Must(gorgonia.HadamardProd(mask, cNew)),
			gorgonia.Must(gorgonia.HadamardProd(inv, state)),
		))
		h = gorgonia.Must(gorgonia.Add(
			gorgonia.Must(gorgonia.HadamardProd(mask, hNew)),
			gorgonia.Must(gorgonia.HadamardProd(inv, h)),
		))
		out[t] = gorgonia.Must(gorgonia.HadamardProd(mask, hNew))
	}
	return out, nil
}

// Feed holds the input tensors for one batch.
type Feed struct {
	Inputs  []*tensor.Dense
	Masks   []*tensor.Dense
	Inverse []*tensor.Dense
	Rows    int
}

// Prepare encodes a batch as one-hot and mask tensors. Batches shorter than
// the graph's batch size are padded with fully masked rows. It only reads
// immutable graph fields and is safe to call from a prefetch goroutine.
func (m *Graph) Prepare(batch dataset.Batch) (Feed, error) {
	B, T, V, H := m.shape.Batch, m.shape.Steps, m.cfg.VocabSize, m.cfg.CellDim
	if batch.Len() > B {
		return Feed{}, fmt.Errorf("model: batch of %d exceeds graph batch size %d", batch.Len(), B)
	}
	f := Feed{Rows: batch.Len()}
	for t := 0; t < T; t++ {
		onehot := make([]float32, B*V)
		mask := make([]float32, B*H)
		inv := make([]float32, B*H)
		for r := 0; r < B; r++ {
			live := false
			if r < batch.Len() {
				ex := batch.Examples[r].Input
				if len(ex.IDs) != T {
					return Feed{}, fmt.Errorf("model: example has %d positions, graph expects %d", len(ex.IDs), T)
				}
				id := ex.IDs[t]
				if id < 0 || id >= V {
					return Feed{}, fmt.Errorf("model: id %d outside vocabulary of %d", id, V)
				}
				onehot[r*V+id] = 1
				live = t < ex.Len
			}
			for j := 0; j < H; j++ {
				if live {
					mask[r*H+j] = 1
				} else {
					inv[r*H+j] = 1
				}
			}
		}
		f.Inputs = append(f.Inputs, tensor.New(tensor.WithShape(B, V), tensor.WithBacking(onehot)))
		f.Masks = append(f.Masks, tensor.New(tensor.WithShape(B, H), tensor.WithBacking(mask)))
		f.Inverse = append(f.Inverse, tensor.New(tensor.WithShape(B, H), tensor.WithBacking(inv)))
	}
	return f, nil
}

// Bind lets a prepared feed into the graph's input nodes.
func (m *Graph) Bind(f Feed) error {
	for t := range m.Inputs {
		if err := gorgonia.Let(m.Inputs[t], f.Inputs[t]); err != nil {
			return err
		}
		if err := gorgonia.Let(m.Masks[t], f.Masks[t]); err != nil {
			return err
		}
		if err := gorgonia.Let(m.Inverse[t], f.Inverse[t]); err != nil {
			return err
		}
	}
	return nil
}
