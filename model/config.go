package model

import (
	"fmt"

	"bilstmtrain/config"
)

// Config fixes the encoder architecture.
type Config struct {
	VocabSize    int
	EmbeddingDim int
	CellDim      int
	Layers       int
	Dropout      float64
	Residual     bool
}

// FromConfig derives the architecture from the model section of the run
// configuration and the input vocabulary size.
func FromConfig(mc config.ModelConfig, vocabSize int) Config {
	return Config{
		VocabSize:    vocabSize,
		EmbeddingDim: mc.CharEmbeddingDim,
		CellDim:      mc.RNNCellDim,
		Layers:       mc.RNNLayers,
		Dropout:      mc.Dropout,
		Residual:     mc.UseResidual,
	}
}

// OutputWidth is the width of every layer's output: forward and backward
// hidden states concatenated.
func (c Config) OutputWidth() int { return 2 * c.CellDim }

// InputWidth is the width fed into layer l (0-based).
func (c Config) InputWidth(l int) int {
	if l == 0 {
		return c.EmbeddingDim
	}
	return c.OutputWidth()
}

// DimensionMismatchError reports a residual connection whose input and
// output widths differ.
type DimensionMismatchError struct {
	Layer       int // 1-based
	InputWidth  int
	OutputWidth int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("model: residual connection on layer %d needs input width %d to equal output width %d",
		e.Layer, e.InputWidth, e.OutputWidth)
}

// Validate checks the architecture before any graph is built.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("model: vocabulary size must be positive, got %d", c.VocabSize)
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("model: embedding dim must be positive, got %d", c.EmbeddingDim)
	case c.CellDim <= 0:
		return fmt.Errorf("model: cell dim must be positive, got %d", c.CellDim)
	case c.Layers <= 0:
		return fmt.Errorf("model: layer count must be positive, got %d", c.Layers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("model: dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.Residual {
		for l := 0; l < c.Layers; l++ {
			if in := c.InputWidth(l); in != c.OutputWidth() {
				return &DimensionMismatchError{Layer: l + 1, InputWidth: in, OutputWidth: c.OutputWidth()}
			}
		}
	}
	return nil
}
