package trainer

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"bilstmtrain/dataset"
	"bilstmtrain/head"
	"bilstmtrain/model"
)

// session is one compiled graph over the shared parameters.
type session struct {
	g      *gorgonia.ExprGraph
	binder *model.Binder
	net    *model.Graph
	att    head.Attachment
	vm     gorgonia.VM
	// grads aligns gradient nodes with the registry order; nil for
	// evaluation sessions.
	grads gorgonia.Nodes
}

// prepared is the feed for one batch, built off the training goroutine.
type prepared struct {
	feed      model.Feed
	targets   interface{}
	positions int
}

func newSession(cfg model.Config, params *model.Params, h head.Head, shape model.Shape, train bool) (*session, error) {
	g := gorgonia.NewGraph()
	binder := model.NewBinder(g, params)
	net, err := model.Build(binder, cfg, shape, train)
	if err != nil {
		return nil, err
	}
	att, err := h.Attach(binder, net.Outputs, shape)
	if err != nil {
		return nil, err
	}
	s := &session{g: g, binder: binder, net: net, att: att}
	if !train {
		s.vm = gorgonia.NewTapeMachine(g)
		return s, nil
	}

	learnables := binder.Learnables()
	if _, err := gorgonia.Grad(att.Loss(), learnables...); err != nil {
		return nil, fmt.Errorf("trainer: differentiating loss: %w", err)
	}
	for _, p := range params.All() {
		n, err := binder.Node(p.Name)
		if err != nil {
			return nil, err
		}
		s.grads = append(s.grads, n)
	}
	if len(s.grads) != len(learnables) {
		return nil, fmt.Errorf("trainer: %d parameters are not used by the graph", len(s.grads)-len(learnables))
	}
	s.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(learnables...))
	return s, nil
}

func (s *session) prepare(b dataset.Batch) (prepared, error) {
	feed, err := s.net.Prepare(b)
	if err != nil {
		return prepared{}, err
	}
	targets, err := s.att.Prepare(b)
	if err != nil {
		return prepared{}, err
	}
	p := prepared{feed: feed, targets: targets}
	for _, ex := range b.Examples {
		p.positions += ex.Input.Len
	}
	return p, nil
}

// run binds the feed and executes the graph, returning the loss and, for
// training sessions, a copy of every gradient in registry order.
func (s *session) run(p prepared) (float64, [][]float32, error) {
	defer s.vm.Reset()
	if err := s.binder.Bind(); err != nil {
		return 0, nil, err
	}
	if err := s.net.Bind(p.feed); err != nil {
		return 0, nil, err
	}
	if err := s.att.Bind(p.targets); err != nil {
		return 0, nil, err
	}
	if err := s.vm.RunAll(); err != nil {
		return 0, nil, fmt.Errorf("trainer: running graph: %w", err)
	}
	loss, err := scalar(s.att.Loss().Value())
	if err != nil || s.grads == nil {
		return loss, nil, err
	}
	grads, err := s.gradients()
	return loss, grads, err
}

func (s *session) gradients() ([][]float32, error) {
	out := make([][]float32, len(s.grads))
	for i, n := range s.grads {
		gv, err := n.Grad()
		if err != nil {
			return nil, fmt.Errorf("trainer: gradient of %s: %w", n.Name(), err)
		}
		data, ok := gv.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("trainer: gradient of %s is %T", n.Name(), gv.Data())
		}
		out[i] = append([]float32(nil), data...)
	}
	return out, nil
}

func (s *session) close() {
	if s.vm != nil {
		s.vm.Close()
	}
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("trainer: loss has no value")
	}
	switch d := v.Data().(type) {
	case float32:
		return float64(d), nil
	case float64:
		return d, nil
	case []float32:
		if len(d) == 1 {
			return float64(d[0]), nil
		}
	}
	return 0, fmt.Errorf("trainer: loss is not a scalar: %T", v.Data())
}
