package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Limit is an optional positive count. The zero value means "unlimited".
type Limit struct {
	N   int
	Set bool
}

// NewLimit returns a set limit of n.
func NewLimit(n int) Limit { return Limit{N: n, Set: true} }

// Apply caps n to the limit.
func (l Limit) Apply(n int) int {
	if l.Set && l.N < n {
		return l.N
	}
	return n
}

func (l Limit) String() string {
	if !l.Set {
		return "unlimited"
	}
	return strconv.Itoa(l.N)
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = Limit{}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected positive integer or null, got %s", b)
	}
	if n <= 0 {
		return fmt.Errorf("expected positive integer or null, got %d", n)
	}
	*l = Limit{N: n, Set: true}
	return nil
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.Set {
		return []byte("null"), nil
	}
	return json.Marshal(l.N)
}

// FrequencyUnit tells what a Frequency counts.
type FrequencyUnit int

const (
	// PerEpoch fires once at every epoch boundary.
	PerEpoch FrequencyUnit = iota
	// PerBatch fires after every batch.
	PerBatch
	// EveryNBatches fires after every N batches.
	EveryNBatches
)

// Frequency is the string-or-int cadence used by save_freq and update_freq.
type Frequency struct {
	Unit FrequencyUnit
	N    int
}

// Epoch is the "epoch" cadence.
var Epoch = Frequency{Unit: PerEpoch}

// Batches returns an every-n-batches cadence.
func Batches(n int) Frequency { return Frequency{Unit: EveryNBatches, N: n} }

// FiresAtBatch reports whether a batch-level event at the given global step
// (1-based) should fire.
func (f Frequency) FiresAtBatch(step int) bool {
	switch f.Unit {
	case PerBatch:
		return true
	case EveryNBatches:
		return f.N > 0 && step%f.N == 0
	}
	return false
}

func (f Frequency) String() string {
	switch f.Unit {
	case PerBatch:
		return "batch"
	case EveryNBatches:
		return strconv.Itoa(f.N)
	}
	return "epoch"
}

func (f *Frequency) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "epoch":
			*f = Frequency{Unit: PerEpoch}
		case "batch":
			*f = Frequency{Unit: PerBatch}
		default:
			return fmt.Errorf("unrecognized frequency %q", s)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected \"epoch\", \"batch\" or positive integer, got %s", b)
	}
	if n <= 0 {
		return fmt.Errorf("frequency must be positive, got %d", n)
	}
	*f = Frequency{Unit: EveryNBatches, N: n}
	return nil
}

func (f Frequency) MarshalJSON() ([]byte, error) {
	if f.Unit == EveryNBatches {
		return json.Marshal(f.N)
	}
	return json.Marshal(f.String())
}
