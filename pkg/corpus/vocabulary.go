// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"io"
	"os"
	"slices"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Vocabulary maps label words to dense integer labels and back.
type Vocabulary struct {
	words []string
	index map[string]int
}

// NewVocabulary builds a vocabulary of the distinct words, sorted.
func NewVocabulary(words []string) *Vocabulary {
	sorted := slices.Clone(words)
	slices.Sort(sorted)
	return vocabularyFromList(slices.Compact(sorted))
}

func vocabularyFromList(words []string) *Vocabulary {
	v := &Vocabulary{words: words, index: make(map[string]int, len(words))}
	for ii, w := range words {
		v.index[w] = ii
	}
	return v
}

// Len returns the number of classes.
func (v *Vocabulary) Len() int { return len(v.words) }

// Word of label i, or "" if out of range.
func (v *Vocabulary) Word(i int) string {
	if i < 0 || i >= len(v.words) {
		return ""
	}
	return v.words[i]
}

// Index returns the label of word.
func (v *Vocabulary) Index(word string) (int, bool) {
	i, found := v.index[word]
	return i, found
}

type vocabularyRow struct {
	Index int    `csv:"index"`
	Word  string `csv:"word"`
}

// Write the vocabulary as a CSV with columns "index" and "word".
func (v *Vocabulary) Write(w io.Writer) error {
	rows := make([]vocabularyRow, len(v.words))
	for ii, word := range v.words {
		rows[ii] = vocabularyRow{Index: ii, Word: word}
	}
	return errors.Wrap(gocsv.Marshal(rows, w), "writing vocabulary")
}

// Save writes the vocabulary to a file.
func (v *Vocabulary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating vocabulary file %q", path)
	}
	if err = v.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing vocabulary file %q", path)
}

// ReadVocabulary parses a vocabulary written by Vocabulary.Write. Indices must be dense.
func ReadVocabulary(r io.Reader) (*Vocabulary, error) {
	var rows []vocabularyRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.Wrap(err, "parsing vocabulary")
	}
	words := make([]string, len(rows))
	seen := make([]bool, len(rows))
	for _, row := range rows {
		if row.Index < 0 || row.Index >= len(rows) || seen[row.Index] {
			return nil, errors.Errorf("vocabulary index %d (word %q) is repeated or out of range", row.Index, row.Word)
		}
		seen[row.Index] = true
		words[row.Index] = row.Word
	}
	return vocabularyFromList(words), nil
}

// LoadVocabulary reads a vocabulary file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vocabulary file %q", path)
	}
	defer f.Close()
	return ReadVocabulary(f)
}
