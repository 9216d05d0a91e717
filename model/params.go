// Package model builds the character embedding and stacked bidirectional
// LSTM encoder on a gorgonia expression graph.
package model

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is one named trainable matrix.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Data returns the float32 backing of the parameter.
func (p *Param) Data() []float32 { return p.Value.Data().([]float32) }

// Shape returns the parameter's dimensions.
func (p *Param) Shape() []int { return []int(p.Value.Shape().Clone()) }

// Params is an ordered registry of trainable parameters shared by every
// graph built from it.
type Params struct {
	list  []*Param
	index map[string]*Param
}

// NewRegistry returns an empty registry.
func NewRegistry() *Params {
	return &Params{index: make(map[string]*Param)}
}

// Add registers a rows x cols parameter initialised by init.
func (p *Params) Add(name string, rows, cols int, init gorgonia.InitWFn) (*Param, error) {
	if _, dup := p.index[name]; dup {
		return nil, fmt.Errorf("model: parameter %q already registered", name)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("model: parameter %q has invalid shape (%d, %d)", name, rows, cols)
	}
	data, ok := init(tensor.Float32, rows, cols).([]float32)
	if !ok {
		return nil, fmt.Errorf("model: initialiser for %q did not produce float32 data", name)
	}
	param := &Param{
		Name:  name,
		Value: tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data)),
	}
	p.list = append(p.list, param)
	p.index[name] = param
	return param, nil
}

// Get returns the named parameter or nil.
func (p *Params) Get(name string) *Param { return p.index[name] }

// All returns every parameter in registration order.
func (p *Params) All() []*Param { return p.list }

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	names := make([]string, len(p.list))
	for i, param := range p.list {
		names[i] = param.Name
	}
	return names
}

// Count returns the total number of scalars.
func (p *Params) Count() int {
	n := 0
	for _, param := range p.list {
		n += param.Value.Shape().TotalSize()
	}
	return n
}

// Clone deep-copies the registry.
func (p *Params) Clone() *Params {
	out := NewRegistry()
	for _, param := range p.list {
		data := append([]float32(nil), param.Data()...)
		cp := &Param{
			Name:  param.Name,
			Value: tensor.New(tensor.WithShape(param.Shape()...), tensor.WithBacking(data)),
		}
		out.list = append(out.list, cp)
		out.index[cp.Name] = cp
	}
	return out
}

// Equal reports bit-identical names, shapes and values.
func (p *Params) Equal(o *Params) bool {
	if len(p.list) != len(o.list) {
		return false
	}
	for i, a := range p.list {
		b := o.list[i]
		if a.Name != b.Name || !a.Value.Shape().Eq(b.Value.Shape()) {
			return false
		}
		ad, bd := a.Data(), b.Data()
		for j := range ad {
			if math.Float32bits(ad[j]) != math.Float32bits(bd[j]) {
				return false
			}
		}
	}
	return true
}

// Gate order inside every recurrent cell.
var gates = [4]string{"i", "f", "o", "g"}

const (
	embeddingName = "embedding"
	forgetGate    = 1
)

func cellName(layer int, dir, kind, gate string) string {
	return fmt.Sprintf("l%d/%s/%s_%s", layer, dir, kind, gate)
}

// NewParams validates cfg and registers the embedding matrix and every
// recurrent weight. Weights use Glorot-uniform init, biases start at zero
// except the forget gate, which starts at one.
func NewParams(cfg Config) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := NewRegistry()
	if _, err := p.Add(embeddingName, cfg.VocabSize, cfg.EmbeddingDim, gorgonia.GlorotU(1.0)); err != nil {
		return nil, err
	}
	for l := 0; l < cfg.Layers; l++ {
		in := cfg.InputWidth(l)
		for _, dir := range []string{"fwd", "bwd"} {
			for gi, gate := range gates {
				if _, err := p.Add(cellName(l, dir, "wx", gate), in, cfg.CellDim, gorgonia.GlorotU(1.0)); err != nil {
					return nil, err
				}
				if _, err := p.Add(cellName(l, dir, "wh", gate), cfg.CellDim, cfg.CellDim, gorgonia.GlorotU(1.0)); err != nil {
					return nil, err
				}
				init := gorgonia.Zeroes()
				if gi == forgetGate {
					init = gorgonia.Ones()
				}
				if _, err := p.Add(cellName(l, dir, "b", gate), 1, cfg.CellDim, init); err != nil {
					return nil, err
				}
			}
		}
	}
	return p, nil
}
