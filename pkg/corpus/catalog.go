// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source of a manifest entry.
type Source string

const (
	// SourceClean marks manually verified images.
	SourceClean Source = "clean"

	// SourceNoisy marks images with unverified (or pseudo) labels. They are never used for validation.
	SourceNoisy Source = "noisy"

	// SourceSecond marks scanned documents.
	SourceSecond Source = "second"
)

// Entry is one row of a manifest.
type Entry struct {
	Path   string `csv:"path"`
	Label  string `csv:"label"`
	Source Source `csv:"source"`
}

// ImageExtensions recognized when scanning directories.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

// Catalog of manifest entries, implementing Provider.
type Catalog struct {
	Entries []Entry

	// NumFolds and ValidFold control the split: an entry goes to validation if the hash of its
	// path modulo NumFolds is ValidFold.
	NumFolds, ValidFold int

	// FoldsSeed is mixed into the hash, to draw different splits.
	FoldsSeed int32

	vocab *Vocabulary
}

// NewCatalog creates a catalog with a 5-fold split, one fold for validation.
func NewCatalog(entries []Entry) *Catalog {
	return &Catalog{Entries: entries, NumFolds: 5}
}

// ReadManifest parses a CSV manifest with the columns "path", "label" and "source".
// Relative paths are resolved against the manifest directory, and a missing source is SourceClean.
func ReadManifest(manifestPath string) ([]Entry, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %q", manifestPath)
	}
	defer f.Close()
	entries, err := ParseManifest(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "manifest %q", manifestPath)
	}
	dir := filepath.Dir(manifestPath)
	for ii := range entries {
		if !filepath.IsAbs(entries[ii].Path) {
			entries[ii].Path = filepath.Join(dir, entries[ii].Path)
		}
	}
	return entries, nil
}

// ParseManifest parses CSV manifest contents, see ReadManifest.
func ParseManifest(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := gocsv.Unmarshal(r, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}
	for ii := range entries {
		e := &entries[ii]
		if e.Path == "" || e.Label == "" {
			return nil, errors.Errorf("manifest row #%d has an empty path or label", ii+1)
		}
		switch e.Source {
		case "":
			e.Source = SourceClean
		case SourceClean, SourceNoisy, SourceSecond:
		default:
			return nil, errors.Errorf("manifest row #%d has unknown source %q", ii+1, e.Source)
		}
	}
	return entries, nil
}

// WriteManifest writes the entries as CSV.
func WriteManifest(w io.Writer, entries []Entry) error {
	return errors.Wrap(gocsv.Marshal(entries, w), "writing manifest")
}

// ScanDir lists the images in a tree shaped root/<label>/<image file>, all with the given source.
// Entries are sorted by path.
func ScanDir(root string, source Source) ([]Entry, error) {
	var entries []Entry
	var totalBytes int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			klog.V(1).Infof("corpus: skipping %q, not in a label directory", path)
			return nil
		}
		if info, err := d.Info(); err == nil {
			totalBytes += info.Size()
		}
		entries = append(entries, Entry{Path: path, Label: parts[0], Source: source})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q", root)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	klog.V(1).Infof("corpus: found %d images (%s) in %q", len(entries), humanize.Bytes(uint64(totalBytes)), root)
	return entries, nil
}

// Vocabulary returns the label vocabulary of all entries, built on first use.
func (c *Catalog) Vocabulary() *Vocabulary {
	if c.vocab == nil {
		words := make([]string, len(c.Entries))
		for ii, e := range c.Entries {
			words[ii] = e.Label
		}
		c.vocab = NewVocabulary(words)
	}
	return c.vocab
}

// SetVocabulary fixes the vocabulary, e.g. to the one saved with a model. Entries with labels
// not in it make PathsAndLabels fail.
func (c *Catalog) SetVocabulary(v *Vocabulary) {
	c.vocab = v
}

// InValidation returns whether the path falls in the validation fold.
func (c *Catalog) InValidation(path string) bool {
	if c.NumFolds <= 1 {
		return false
	}
	var buffer bytes.Buffer
	_ = binary.Write(&buffer, binary.LittleEndian, c.FoldsSeed)
	buffer.WriteString(path)
	fold := int(crc32.ChecksumIEEE(buffer.Bytes()) % uint32(c.NumFolds))
	return fold == c.ValidFold
}

// PathsAndLabels implements Provider.
func (c *Catalog) PathsAndLabels(selector Selector) (trainPaths, validPaths []string, trainLabels, validLabels []int, err error) {
	if c.NumFolds > 1 && (c.ValidFold < 0 || c.ValidFold >= c.NumFolds) {
		err = errors.Errorf("validation fold %d invalid for %d folds", c.ValidFold, c.NumFolds)
		return
	}
	vocab := c.Vocabulary()
	var noisyFirst bool
	var trainSources, validSources []Source
	switch selector {
	case Cleaned:
		trainSources, validSources = []Source{SourceClean}, []Source{SourceClean}
	case Mixed:
		trainSources, validSources = []Source{SourceClean, SourceNoisy}, []Source{SourceClean}
	case SecondSource:
		trainSources, validSources = []Source{SourceSecond}, []Source{SourceSecond}
	case NoisyStudent:
		trainSources, validSources = []Source{SourceClean, SourceNoisy}, []Source{SourceClean}
		noisyFirst = true
	default:
		err = errors.Errorf("unknown corpus selector %s", selector)
		return
	}

	var noisyPaths []string
	var noisyLabels []int
	for _, e := range c.Entries {
		label, found := vocab.Index(e.Label)
		if !found {
			err = errors.Errorf("label %q of %q not in the vocabulary", e.Label, e.Path)
			return
		}
		valid := e.Source != SourceNoisy && c.InValidation(e.Path)
		switch {
		case valid && slices.Contains(validSources, e.Source):
			validPaths = append(validPaths, e.Path)
			validLabels = append(validLabels, label)
		case !valid && slices.Contains(trainSources, e.Source):
			if noisyFirst && e.Source == SourceNoisy {
				noisyPaths = append(noisyPaths, e.Path)
				noisyLabels = append(noisyLabels, label)
				continue
			}
			trainPaths = append(trainPaths, e.Path)
			trainLabels = append(trainLabels, label)
		}
	}
	if noisyFirst {
		trainPaths = append(noisyPaths, trainPaths...)
		trainLabels = append(noisyLabels, trainLabels...)
	}
	klog.Infof("corpus %s: %d training and %d validation images", selector, len(trainPaths), len(validPaths))
	return
}
