package checkpoint

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::([^{}]*))?\}`)
	verbSpec    = regexp.MustCompile(`^[-+ 0#]*[0-9]*(\.[0-9]+)?[dfeg]$`)
)

// Template renders checkpoint paths such as
// "weights.{epoch:02d}-{val_loss:.2f}.ckpt".
type Template struct {
	raw string
}

// ParseTemplate checks the placeholder syntax of s.
func ParseTemplate(s string) (*Template, error) {
	hasEpoch := false
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		if m[1] == "epoch" {
			hasEpoch = true
		}
		if m[2] != "" && !verbSpec.MatchString(m[2]) {
			return nil, fmt.Errorf("checkpoint: bad format %q in %q", m[2], s)
		}
	}
	if !hasEpoch {
		return nil, fmt.Errorf("checkpoint: path %q has no {epoch} placeholder", s)
	}
	return &Template{raw: s}, nil
}

func (t *Template) String() string { return t.raw }

// Render fills the placeholders. epoch is 1-based. Metric names not present
// in metrics are an error.
func (t *Template) Render(epoch int, metrics map[string]float64) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(t.raw, func(tok string) string {
		m := placeholder.FindStringSubmatch(tok)
		name, verb := m[1], m[2]
		var v interface{}
		if name == "epoch" {
			v = epoch
			if verb != "" && !strings.HasSuffix(verb, "d") {
				v = float64(epoch)
			}
		} else {
			x, ok := metrics[name]
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("checkpoint: metric %q not available for %q", name, t.raw)
				}
				return tok
			}
			v = x
			if strings.HasSuffix(verb, "d") {
				v = int64(x)
			}
		}
		if verb == "" {
			return fmt.Sprint(v)
		}
		return fmt.Sprintf("%"+verb, v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
