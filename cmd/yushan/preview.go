// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/augment/graphaug"
	"github.com/yushanml/yushan/pkg/augment/hostaug"
	"github.com/yushanml/yushan/pkg/decode"
	"github.com/yushanml/yushan/pkg/pixels"
	"k8s.io/klog/v2"
)

// viewNames of the outputs of each pipeline, used in the preview file names.
func viewNames(kind augment.PipelineKind) []string {
	if kind == augment.NoisyStudent {
		return []string{"raw", "aug"}
	}
	return []string{"aug"}
}

func runPreview(args []string) {
	cfg := loadConfig()
	fs := newFlagSet("preview", cfg)
	flagInput := fs.String("input", "", "Image to augment.")
	flagN := fs.Int("n", 8, "Number of augmented renderings to write.")
	flagOut := fs.String("out", "preview", "Directory where the renderings are written.")
	parseFlags(fs, cfg, args)
	if *flagInput == "" || *flagN <= 0 {
		klog.Exit("preview requires -input and -n > 0")
	}

	augCfg := must.M1(cfg.Augment())
	reader := must.M1(decode.NewReader(must.M1(cfg.Order()), 0))
	img := must.M1(reader.Read(*flagInput))
	rng := rand.New(rand.NewSource(cfg.Seed))
	views := must.M1(render(augCfg, img, *flagN, rng))

	must.M(os.MkdirAll(*flagOut, 0777))
	base := strings.TrimSuffix(filepath.Base(*flagInput), filepath.Ext(*flagInput))
	names := viewNames(augCfg.Kind)
	bar := progressbar.NewOptions(*flagN*len(views),
		progressbar.OptionSetDescription("Saving"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	for viewIdx, rendered := range views {
		for ii, out := range rendered {
			path := filepath.Join(*flagOut, fmt.Sprintf("%s-%s-%s-%02d.png", base, augCfg.Kind, names[viewIdx], ii))
			must.M(imaging.Save(out.ToImage(), path))
			_ = bar.Add(1)
		}
	}
	_ = bar.Finish()
	fmt.Printf("\n%d renderings of %q saved in %q\n", *flagN, *flagInput, *flagOut)
}

// render returns n augmentations of img for each output view of the pipeline.
func render(augCfg augment.Config, img *pixels.Image, n int, rng *rand.Rand) ([][]*pixels.Image, error) {
	if !augCfg.Kind.IsGraph() {
		p, err := hostaug.New(augCfg)
		if err != nil {
			return nil, err
		}
		outs := make([]*pixels.Image, n)
		for ii := range outs {
			if outs[ii], err = p.Apply(img, rng); err != nil {
				return nil, errors.WithMessagef(err, "rendering #%d", ii)
			}
		}
		return [][]*pixels.Image{outs}, nil
	}

	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	p, err := graphaug.New(backend, augCfg)
	if err != nil {
		return nil, err
	}
	defer p.Finalize()
	batch := make([]*pixels.Image, n)
	for ii := range batch {
		batch[ii] = img
	}
	outputs, err := p.Augment(batch, rng)
	if err != nil {
		return nil, err
	}
	views := make([][]*pixels.Image, len(outputs))
	for ii, t := range outputs {
		views[ii], err = pixels.FromTensor(t)
		_ = t.FinalizeAll()
		if err != nil {
			return nil, err
		}
	}
	return views, nil
}
