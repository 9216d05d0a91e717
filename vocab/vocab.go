// Package vocab builds fixed-size character vocabularies and encodes
// sentences into fixed-length id sequences.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Reserved token names used in the persisted form.
const (
	PadToken = "<pad>"
	UnkToken = "<unk>"
)

// InsufficientCorpusError is returned when the corpus has fewer distinct
// characters than the requested vocabulary size.
type InsufficientCorpusError struct {
	Requested int
	Available int
}

func (e *InsufficientCorpusError) Error() string {
	return fmt.Sprintf("vocab: corpus has %d distinct characters, %d requested", e.Available, e.Requested)
}

// Vocabulary maps characters to dense ids. The selected characters take
// ids [0, n); padding is n and unknown is n+1.
type Vocabulary struct {
	chars []rune
	toID  map[rune]int
}

type charFreq struct {
	char rune
	freq int
}

// rank counts characters and orders them by frequency, breaking ties by
// code point.
func rank(corpus []string) []charFreq {
	charCount := make(map[rune]int)
	for _, s := range corpus {
		for _, r := range s {
			charCount[r]++
		}
	}

	chars := make([]charFreq, 0, len(charCount))
	for char, freq := range charCount {
		chars = append(chars, charFreq{char, freq})
	}
	sort.Slice(chars, func(i, j int) bool {
		if chars[i].freq == chars[j].freq {
			return chars[i].char < chars[j].char
		}
		return chars[i].freq > chars[j].freq
	})
	return chars
}

// Build selects the k most frequent characters of the corpus.
func Build(corpus []string, k int) (*Vocabulary, error) {
	if k <= 0 {
		return nil, fmt.Errorf("vocab: size must be positive, got %d", k)
	}
	chars := rank(corpus)
	if len(chars) < k {
		return nil, &InsufficientCorpusError{Requested: k, Available: len(chars)}
	}
	return fromRanked(chars[:k]), nil
}

// BuildAll keeps every distinct character of the corpus, most frequent first.
func BuildAll(corpus []string) (*Vocabulary, error) {
	chars := rank(corpus)
	if len(chars) == 0 {
		return nil, &InsufficientCorpusError{Requested: 1, Available: 0}
	}
	return fromRanked(chars), nil
}

func fromRanked(chars []charFreq) *Vocabulary {
	v := &Vocabulary{
		chars: make([]rune, len(chars)),
		toID:  make(map[rune]int, len(chars)),
	}
	for i, cf := range chars {
		v.chars[i] = cf.char
		v.toID[cf.char] = i
	}
	return v
}

// Size is the number of ids including the reserved ones.
func (v *Vocabulary) Size() int { return len(v.chars) + 2 }

// Pad returns the padding id.
func (v *Vocabulary) Pad() int { return len(v.chars) }

// Unk returns the unknown-character id.
func (v *Vocabulary) Unk() int { return len(v.chars) + 1 }

// ID maps a character to its id, or Unk when the character is not selected.
func (v *Vocabulary) ID(r rune) int {
	if id, ok := v.toID[r]; ok {
		return id
	}
	return v.Unk()
}

// Char returns the character for a selected id.
func (v *Vocabulary) Char(id int) (rune, bool) {
	if id < 0 || id >= len(v.chars) {
		return 0, false
	}
	return v.chars[id], true
}

// Chars returns the selected characters in id order.
func (v *Vocabulary) Chars() []rune {
	return append([]rune(nil), v.chars...)
}

// Equal reports whether both vocabularies assign the same ids.
func (v *Vocabulary) Equal(o *Vocabulary) bool {
	if len(v.chars) != len(o.chars) {
		return false
	}
	for i := range v.chars {
		if v.chars[i] != o.chars[i] {
			return false
		}
	}
	return true
}

// VocabData is the persisted form of a Vocabulary.
type VocabData struct {
	ToID   map[string]int `json:"to_id"`
	ToWord map[int]string `json:"to_word"`
	Size   int            `json:"size"`
}

func (v *Vocabulary) data() VocabData {
	d := VocabData{
		ToID:   make(map[string]int, v.Size()),
		ToWord: make(map[int]string, v.Size()),
		Size:   v.Size(),
	}
	for i, r := range v.chars {
		d.ToID[string(r)] = i
		d.ToWord[i] = string(r)
	}
	d.ToID[PadToken], d.ToWord[v.Pad()] = v.Pad(), PadToken
	d.ToID[UnkToken], d.ToWord[v.Unk()] = v.Unk(), UnkToken
	return d
}

// Save writes the vocabulary as indented JSON.
func (v *Vocabulary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v.data())
}

// Load reads a vocabulary written by Save.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var d VocabData
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return nil, fmt.Errorf("vocab: decoding %s: %w", path, err)
	}
	v, err := fromData(d)
	if err != nil {
		return nil, fmt.Errorf("vocab: %s: %w", path, err)
	}
	return v, nil
}

func fromData(d VocabData) (*Vocabulary, error) {
	n := d.Size - 2
	if n <= 0 {
		return nil, fmt.Errorf("invalid size %d", d.Size)
	}
	if d.ToWord[n] != PadToken || d.ToWord[n+1] != UnkToken {
		return nil, errors.New("reserved ids are not at the tail")
	}
	chars := make([]charFreq, n)
	for id := 0; id < n; id++ {
		w, ok := d.ToWord[id]
		runes := []rune(w)
		if !ok || len(runes) != 1 {
			return nil, fmt.Errorf("id %d is not a single character", id)
		}
		chars[id] = charFreq{char: runes[0]}
	}
	v := fromRanked(chars)
	if len(v.toID) != n {
		return nil, errors.New("duplicate characters")
	}
	return v, nil
}
