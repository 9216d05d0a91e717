package checkpoint

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"bilstmtrain/config"
	"bilstmtrain/hooks"
)

// Manager saves checkpoints at the configured cadence. It implements
// hooks.Listener.
type Manager struct {
	cfg      config.CheckpointConfig
	tmpl     *Template
	monitor  string
	maximize bool
	best     float64
	hasBest  bool
	saved    []string
	log      *logrus.Logger
}

// NewManager returns a manager for cfg. hasValidation selects the default
// monitored metric.
func NewManager(cfg config.CheckpointConfig, hasValidation bool, log *logrus.Logger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	tmpl, err := ParseTemplate(cfg.Filepath)
	if err != nil {
		return nil, err
	}
	monitor := cfg.MonitorName(hasValidation)
	return &Manager{
		cfg:      cfg,
		tmpl:     tmpl,
		monitor:  monitor,
		maximize: cfg.Maximize(monitor),
		log:      log,
	}, nil
}

// Monitor returns the metric watched when save_best_only is set.
func (m *Manager) Monitor() string { return m.monitor }

// Saved returns the paths written so far, in order.
func (m *Manager) Saved() []string { return append([]string(nil), m.saved...) }

// SetBest seeds the best monitored value, e.g. from a resumed run.
func (m *Manager) SetBest(v float64) {
	m.best, m.hasBest = v, true
}

// Best returns the best monitored value seen so far.
func (m *Manager) Best() (float64, bool) { return m.best, m.hasBest }

func (m *Manager) Notify(ctx context.Context, ev hooks.Event) error {
	switch ev.Kind {
	case hooks.EpochEnd:
		if m.cfg.SaveFreq.Unit != config.PerEpoch {
			return nil
		}
	case hooks.BatchEnd:
		if !m.cfg.SaveFreq.FiresAtBatch(ev.Step) {
			return nil
		}
	default:
		return nil
	}
	return m.save(ev)
}

func (m *Manager) save(ev hooks.Event) error {
	fields := logrus.Fields{"epoch": ev.Epoch, "step": ev.Step}
	best := false
	if m.cfg.SaveBestOnly {
		v, ok := ev.Metrics[m.monitor]
		if !ok || math.IsNaN(v) {
			m.log.WithFields(fields).Warnf("monitored metric %s unavailable, skipping checkpoint", m.monitor)
			return nil
		}
		if m.hasBest && !m.improves(v) {
			m.log.WithFields(fields).Debugf("%s did not improve from %.5f", m.monitor, m.best)
			return nil
		}
		m.best, m.hasBest, best = v, true, true
	}

	path, err := m.tmpl.Render(ev.Epoch, ev.Metrics)
	if err != nil {
		return err
	}
	opt := ev.Optimizer
	if m.cfg.SaveWeightsOnly {
		opt = nil
	}
	snap := Capture(ev.Params, opt, ev.Epoch, ev.Step, ev.Metrics)
	snap.Best = best
	if err := Save(path, snap); err != nil {
		return err
	}
	m.saved = append(m.saved, path)
	fields["path"] = path
	m.log.WithFields(fields).Info("saved checkpoint")
	return nil
}

func (m *Manager) improves(v float64) bool {
	if m.maximize {
		return v > m.best
	}
	return v < m.best
}
