// Package hooks defines the events the trainer publishes to its listeners.
package hooks

import (
	"context"

	"gorgonia.org/gorgonia"

	"bilstmtrain/model"
	"bilstmtrain/optim"
)

// Kind identifies a cadence point in the training loop.
type Kind int

const (
	TrainBegin Kind = iota
	BatchEnd
	EpochEnd
	TrainEnd
)

func (k Kind) String() string {
	switch k {
	case TrainBegin:
		return "train_begin"
	case BatchEnd:
		return "batch_end"
	case EpochEnd:
		return "epoch_end"
	case TrainEnd:
		return "train_end"
	}
	return "unknown"
}

// Event is delivered to every listener at a cadence point. Epoch is
// 1-based; Step counts optimizer updates since the start of the run.
// Metrics are complete before delivery, including validation metrics at
// EpochEnd.
type Event struct {
	Kind      Kind
	Epoch     int
	Step      int
	Batch     int
	Metrics   map[string]float64
	Params    *model.Params
	Optimizer *optim.Adam
	Graph     *gorgonia.ExprGraph
}

// Listener receives training events. A returned error stops the run.
type Listener interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Listener.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
