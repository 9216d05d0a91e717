// Package dataset holds encoded examples and partitions them into batches.
package dataset

import (
	"fmt"
	"math/rand"

	"bilstmtrain/config"
	"bilstmtrain/vocab"
)

// Example is one encoded input sentence and its aligned target.
type Example struct {
	Input  vocab.EncodedSentence
	Target vocab.EncodedSentence
}

// Dataset is an ordered collection of examples.
type Dataset struct {
	Examples []Example
	Steps    int
}

// New encodes parallel sentences. tgtEnc may be nil for input-only data, in
// which case targets are left empty.
func New(inputs, targets []string, inEnc, tgtEnc *vocab.Encoder) (*Dataset, error) {
	if tgtEnc != nil && len(inputs) != len(targets) {
		return nil, fmt.Errorf("dataset: %d inputs but %d targets", len(inputs), len(targets))
	}
	ds := &Dataset{Examples: make([]Example, len(inputs)), Steps: inEnc.MaxLen()}
	for i, s := range inputs {
		ds.Examples[i].Input = inEnc.Encode(s)
		if tgtEnc != nil {
			ds.Examples[i].Target = tgtEnc.Encode(targets[i])
		}
	}
	return ds, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Examples) }

// Cap keeps the first limit examples in corpus order.
func (d *Dataset) Cap(limit config.Limit) *Dataset {
	n := limit.Apply(len(d.Examples))
	return &Dataset{Examples: d.Examples[:n:n], Steps: d.Steps}
}

// Batch is a contiguous group of examples. The last batch of an epoch may
// hold fewer than the sampler's batch size.
type Batch struct {
	Examples []Example
	Index    int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int { return len(b.Examples) }

// Sampler partitions a dataset into fixed-size batches.
type Sampler struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
}

// NewSampler returns a sampler over ds.
func NewSampler(ds *Dataset, batchSize int, shuffle bool) (*Sampler, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	return &Sampler{ds: ds, batchSize: batchSize, shuffle: shuffle}, nil
}

// BatchSize returns the configured batch size.
func (s *Sampler) BatchSize() int { return s.batchSize }

// NumBatches returns the number of batches in one pass.
func (s *Sampler) NumBatches() int {
	return (s.ds.Len() + s.batchSize - 1) / s.batchSize
}

// Epoch starts a fresh pass. When shuffling, the order is derived only from
// seed, so the same seed yields the same batches.
func (s *Sampler) Epoch(seed int64) *Iterator {
	order := make([]int, s.ds.Len())
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &Iterator{ds: s.ds, order: order, batchSize: s.batchSize}
}

// Iterator yields the batches of one pass.
type Iterator struct {
	ds        *Dataset
	order     []int
	batchSize int
	pos       int
	index     int
}

// Next returns the next batch, or false at the end of the pass.
func (it *Iterator) Next() (Batch, bool) {
	if it.pos >= len(it.order) {
		return Batch{}, false
	}
	j := it.pos + it.batchSize
	if j > len(it.order) {
		j = len(it.order)
	}
	b := Batch{Examples: make([]Example, j-it.pos), Index: it.index}
	for k := it.pos; k < j; k++ {
		b.Examples[k-it.pos] = it.ds.Examples[it.order[k]]
	}
	it.pos = j
	it.index++
	return b, true
}
