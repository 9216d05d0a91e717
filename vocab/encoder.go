package vocab

import (
	"fmt"
	"strings"
)

// EncodedSentence is a fixed-length id sequence plus its true content length.
type EncodedSentence struct {
	IDs []int
	Len int
}

// Encoder maps sentences to fixed-length id sequences.
type Encoder struct {
	vocab  *Vocabulary
	maxLen int
}

// NewEncoder returns an encoder producing sequences of exactly maxLen ids.
func NewEncoder(v *Vocabulary, maxLen int) (*Encoder, error) {
	if v == nil {
		return nil, fmt.Errorf("vocab: nil vocabulary")
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("vocab: max length must be positive, got %d", maxLen)
	}
	return &Encoder{vocab: v, maxLen: maxLen}, nil
}

// Vocabulary returns the encoder's vocabulary.
func (e *Encoder) Vocabulary() *Vocabulary { return e.vocab }

// MaxLen returns the fixed output length.
func (e *Encoder) MaxLen() int { return e.maxLen }

// Encode converts text to ids. Trailing characters beyond MaxLen are
// dropped; shorter sentences are right-padded.
func (e *Encoder) Encode(text string) EncodedSentence {
	ids := make([]int, e.maxLen)
	n := 0
	for _, r := range text {
		if n == e.maxLen {
			break
		}
		ids[n] = e.vocab.ID(r)
		n++
	}
	for i := n; i < e.maxLen; i++ {
		ids[i] = e.vocab.Pad()
	}
	return EncodedSentence{IDs: ids, Len: n}
}

// Decode converts ids back to text, skipping padding. Unknown ids decode
// to U+FFFD.
func (e *Encoder) Decode(ids []int) string {
	var result strings.Builder
	for _, id := range ids {
		if id == e.vocab.Pad() {
			continue
		}
		if r, ok := e.vocab.Char(id); ok {
			result.WriteRune(r)
		} else {
			result.WriteRune('�')
		}
	}
	return result.String()
}
