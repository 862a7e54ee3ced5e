// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode reads image files into host pixel buffers.
//
// Supported formats are the ones registered with the standard image package plus BMP, TIFF and
// WebP. EXIF orientation is applied. Decoded images can be kept in an LRU cache, and many files
// can be preloaded in parallel.
package decode

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/pixels"
	"k8s.io/klog/v2"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ColorOrder of the channels of decoded 3-channel images.
type ColorOrder uint8

const (
	RGB ColorOrder = iota
	BGR
)

func (o ColorOrder) String() string {
	switch o {
	case RGB:
		return "RGB"
	case BGR:
		return "BGR"
	}
	return fmt.Sprintf("ColorOrder(%d)", int(o))
}

// ParseColorOrder parses "rgb" or "bgr" (case-insensitive).
func ParseColorOrder(s string) (ColorOrder, error) {
	switch s {
	case "rgb", "RGB", "":
		return RGB, nil
	case "bgr", "BGR":
		return BGR, nil
	}
	return RGB, errors.Errorf("unknown color order %q, valid values are \"rgb\" and \"bgr\"", s)
}

// Reader decodes image files. It is safe for concurrent use.
//
// Images returned by Read may be shared through the cache, and must not be modified.
type Reader struct {
	order ColorOrder
	cache *lru.Cache[string, *pixels.Image]

	// Statistics.
	numDecoded, numHits atomic.Int64
	bytesDecoded        atomic.Int64

	// decodeFn can be replaced in tests.
	decodeFn func(path string) (image.Image, error)
}

// NewReader creates a Reader with the given channel order. If cacheSize > 0, up to cacheSize decoded
// images are kept in an LRU cache.
func NewReader(order ColorOrder, cacheSize int) (*Reader, error) {
	r := &Reader{order: order, decodeFn: openImage}
	if cacheSize > 0 {
		var err error
		r.cache, err = lru.New[string, *pixels.Image](cacheSize)
		if err != nil {
			return nil, errors.Wrapf(err, "creating decode cache of size %d", cacheSize)
		}
	}
	return r, nil
}

// MustNewReader is like NewReader, but panics on error.
func MustNewReader(order ColorOrder, cacheSize int) *Reader {
	r, err := NewReader(order, cacheSize)
	if err != nil {
		panic(err)
	}
	return r
}

func openImage(path string) (image.Image, error) {
	return imaging.Open(path, imaging.AutoOrientation(true))
}

// Order returns the channel order of the decoded images.
func (r *Reader) Order() ColorOrder { return r.order }

// Read decodes the image in path. Grayscale files are returned with 1 channel, everything else
// with 3 channels in the Reader's order.
func (r *Reader) Read(path string) (*pixels.Image, error) {
	if r.cache != nil {
		if img, found := r.cache.Get(path); found {
			r.numHits.Add(1)
			return img, nil
		}
	}
	decoded, err := r.decodeFn(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", path)
	}
	img := pixels.FromImage(decoded)
	if r.order == BGR && img.Channels == 3 {
		img = img.SwapRB()
	}
	r.numDecoded.Add(1)
	r.bytesDecoded.Add(int64(len(img.Pix)))
	if r.cache != nil {
		r.cache.Add(path, img)
	}
	return img, nil
}

// Stats returns the number of decoded files, the number of cache hits and the total decoded bytes.
func (r *Reader) Stats() (decoded, hits, bytes int64) {
	return r.numDecoded.Load(), r.numHits.Load(), r.bytesDecoded.Load()
}

// String summarizes the reader statistics.
func (r *Reader) String() string {
	decoded, hits, bytes := r.Stats()
	return fmt.Sprintf("decode.Reader(%s): %d decoded (%s), %d cache hits", r.order, decoded, humanize.Bytes(uint64(bytes)), hits)
}

// Preload decodes all paths in parallel in pool, optionally showing a progress bar.
// It returns the images in the same order as paths, or the first error.
func (r *Reader) Preload(pool *workerspool.Pool, paths []string, verbose bool) ([]*pixels.Image, error) {
	images := make([]*pixels.Image, len(paths))
	var pBar *progressbar.ProgressBar
	var muBar sync.Mutex
	if verbose {
		pBar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Decoding"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	start := time.Now()
	err := pool.Map(len(paths), func(i int) error {
		img, err := r.Read(paths[i])
		if err != nil {
			return err
		}
		images[i] = img
		if pBar != nil {
			muBar.Lock()
			_ = pBar.Add(1)
			muBar.Unlock()
		}
		return nil
	})
	if pBar != nil {
		_ = pBar.Finish()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "preloading %d images", len(paths))
	}
	var total int
	for _, img := range images {
		total += len(img.Pix)
	}
	klog.V(1).Infof("decode: preloaded %d images (%s) in %s", len(paths), humanize.Bytes(uint64(total)), time.Since(start))
	return images, nil
}
