// Package optim implements the Adam optimizer over registry parameters
// with exportable moment state.
package optim

import (
	"fmt"
	"math"

	"bilstmtrain/config"
	"bilstmtrain/model"
)

// Config holds Adam hyperparameters.
type Config struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// FromConfig converts the optimizer section of the run configuration.
func FromConfig(oc config.OptimizerConfig) Config {
	return Config{
		LearningRate: float32(oc.LearningRate),
		Beta1:        float32(oc.Beta1),
		Beta2:        float32(oc.Beta2),
		Epsilon:      float32(oc.Epsilon),
	}
}

// NumericalInstabilityError reports a non-finite loss or gradient. Param is
// "loss" for the loss value.
type NumericalInstabilityError struct {
	Param string
	Index int
	Value float64
}

func (e *NumericalInstabilityError) Error() string {
	if e.Param == "loss" {
		return fmt.Sprintf("optim: non-finite loss %v", e.Value)
	}
	return fmt.Sprintf("optim: non-finite gradient %v in %s at %d", e.Value, e.Param, e.Index)
}

// State is the exportable optimizer state: the step counter and first and
// second moments, aligned with the registry order.
type State struct {
	Step int
	M    [][]float32
	V    [][]float32
}

// Adam updates registry parameters in place.
type Adam struct {
	cfg    Config
	params []*model.Param
	m, v   [][]float32
	t      int
}

// NewAdam returns an optimizer for every parameter in the registry.
func NewAdam(cfg Config, params *model.Params) *Adam {
	a := &Adam{cfg: cfg, params: params.All()}
	a.Reset()
	return a
}

// Config returns the hyperparameters.
func (a *Adam) Config() Config { return a.cfg }

// Steps returns the number of updates applied.
func (a *Adam) Steps() int { return a.t }

// Reset zeroes the moments and the step counter.
func (a *Adam) Reset() {
	a.t = 0
	a.m = make([][]float32, len(a.params))
	a.v = make([][]float32, len(a.params))
	for i, p := range a.params {
		n := len(p.Data())
		a.m[i] = make([]float32, n)
		a.v[i] = make([]float32, n)
	}
}

// CheckLoss returns a NumericalInstabilityError for a non-finite loss.
func CheckLoss(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &NumericalInstabilityError{Param: "loss", Value: v}
	}
	return nil
}

// Step applies one bias-corrected update. grads must align with the
// registry. Every gradient is checked before anything is written, so a
// rejected step leaves parameters and moments untouched.
func (a *Adam) Step(grads [][]float32) error {
	if len(grads) != len(a.params) {
		return fmt.Errorf("optim: got %d gradients for %d parameters", len(grads), len(a.params))
	}
	for i, g := range grads {
		if len(g) != len(a.m[i]) {
			return fmt.Errorf("optim: gradient for %s has %d values, want %d", a.params[i].Name, len(g), len(a.m[i]))
		}
		for j, x := range g {
			if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
				return &NumericalInstabilityError{Param: a.params[i].Name, Index: j, Value: f}
			}
		}
	}

	a.t++
	cfg := a.cfg
	b1t := float32(1) - float32(math.Pow(float64(cfg.Beta1), float64(a.t)))
	b2t := float32(1) - float32(math.Pow(float64(cfg.Beta2), float64(a.t)))
	for i, p := range a.params {
		w, m, v := p.Data(), a.m[i], a.v[i]
		for j, g := range grads[i] {
			m[j] = cfg.Beta1*m[j] + (1-cfg.Beta1)*g
			v[j] = cfg.Beta2*v[j] + (1-cfg.Beta2)*g*g
			mh := m[j] / b1t
			vh := v[j] / b2t
			w[j] -= cfg.LearningRate * mh / (float32(math.Sqrt(float64(vh))) + cfg.Epsilon)
		}
	}
	return nil
}

// State returns a deep copy of the optimizer state.
func (a *Adam) State() State {
	s := State{Step: a.t, M: make([][]float32, len(a.m)), V: make([][]float32, len(a.v))}
	for i := range a.m {
		s.M[i] = append([]float32(nil), a.m[i]...)
		s.V[i] = append([]float32(nil), a.v[i]...)
	}
	return s
}

// SetState replaces the optimizer state after checking it matches the
// parameter shapes.
func (a *Adam) SetState(s State) error {
	if len(s.M) != len(a.params) || len(s.V) != len(a.params) {
		return fmt.Errorf("optim: state covers %d/%d tensors, want %d", len(s.M), len(s.V), len(a.params))
	}
	for i := range a.params {
		if len(s.M[i]) != len(a.m[i]) || len(s.V[i]) != len(a.v[i]) {
			return fmt.Errorf("optim: state for %s has wrong size", a.params[i].Name)
		}
	}
	a.t = s.Step
	for i := range a.params {
		copy(a.m[i], s.M[i])
		copy(a.v[i], s.V[i])
	}
	return nil
}
