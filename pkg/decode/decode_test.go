// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/internal/workerspool"
)

func writePNG(t *testing.T, path string, img image.Image) {
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func colorImage(c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 5, 3))
	for y := range 3 {
		for x := range 5 {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestReadColorOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "red.png")
	writePNG(t, path, colorImage(color.NRGBA{R: 200, G: 10, B: 30, A: 255}))

	rgb := MustNewReader(RGB, 0)
	img, err := rgb.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 3}, img.Dimensions())
	assert.Equal(t, []uint8{200, 10, 30}, img.Pix[:3])

	bgr := MustNewReader(BGR, 0)
	img, err = bgr.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []uint8{30, 10, 200}, img.Pix[:3])

	gray := image.NewGray(image.Rect(0, 0, 4, 2))
	gray.Pix[0] = 77
	grayPath := filepath.Join(dir, "gray.png")
	writePNG(t, grayPath, gray)
	img, err = bgr.Read(grayPath)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 1}, img.Dimensions())
	assert.Equal(t, uint8(77), img.Pix[0])

	_, err = rgb.Read(filepath.Join(dir, "missing.png"))
	require.ErrorContains(t, err, "missing.png")
}

func TestParseColorOrder(t *testing.T) {
	o, err := ParseColorOrder("bgr")
	require.NoError(t, err)
	assert.Equal(t, BGR, o)
	o, err = ParseColorOrder("")
	require.NoError(t, err)
	assert.Equal(t, RGB, o)
	_, err = ParseColorOrder("hsv")
	require.Error(t, err)
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 3)
	for ii := range paths {
		paths[ii] = filepath.Join(dir, string(rune('a'+ii))+".png")
		writePNG(t, paths[ii], colorImage(color.NRGBA{R: uint8(ii), A: 255}))
	}
	r := MustNewReader(RGB, 2)
	first, err := r.Read(paths[0])
	require.NoError(t, err)
	again, err := r.Read(paths[0])
	require.NoError(t, err)
	assert.Same(t, first, again)
	decoded, hits, bytes := r.Stats()
	assert.Equal(t, int64(1), decoded)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(5*3*3), bytes)

	// Evicts paths[0].
	_, _ = r.Read(paths[1])
	_, _ = r.Read(paths[2])
	_, _ = r.Read(paths[0])
	decoded, _, _ = r.Stats()
	assert.Equal(t, int64(4), decoded)
	assert.Contains(t, r.String(), "4 decoded")
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for ii := range 20 {
		path := filepath.Join(dir, string(rune('a'+ii))+".png")
		writePNG(t, path, colorImage(color.NRGBA{R: uint8(ii), A: 255}))
		paths = append(paths, path)
	}
	pool := workerspool.New(4)
	defer pool.Close()
	r := MustNewReader(RGB, 0)
	images, err := r.Preload(pool, paths, false)
	require.NoError(t, err)
	require.Len(t, images, 20)
	for ii, img := range images {
		assert.Equal(t, uint8(ii), img.Pix[0])
	}

	_, err = r.Preload(pool, append(paths, filepath.Join(dir, "nope.png")), false)
	require.ErrorContains(t, err, "nope.png")
}
