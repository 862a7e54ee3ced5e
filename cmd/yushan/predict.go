// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/classifier"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/decode"
	"k8s.io/klog/v2"
)

func runPredict(args []string) {
	cfg := loadConfig()
	fs := newFlagSet("predict", cfg)
	flagInput := fs.String("input", "", "Image file, or directory with images, to classify.")
	flagReport := fs.String("report", "", "If set, the predictions are saved to this CSV file.")
	flagBest := fs.Bool("best", false, "Use the model with the lowest validation loss, instead of the latest one.")
	parseFlags(fs, cfg, args)
	if *flagInput == "" {
		klog.Exit("predict requires -input")
	}
	if cfg.CheckpointDir == "" {
		klog.Exit("predict requires the model directory, set with -checkpoint")
	}

	paths := must.M1(listImages(*flagInput))
	if len(paths) == 0 {
		klog.Exitf("no images found in %q", *flagInput)
	}
	backend := backends.MustNew()
	reader := must.M1(decode.NewReader(must.M1(cfg.Order()), 0))
	pool := workerspool.New(cfg.Workers)
	defer pool.Close()
	modelDir := cfg.RunDir()
	if *flagBest {
		modelDir = filepath.Join(modelDir, classifier.BestDir)
		if ranking, err := classifier.LoadRanking(modelDir); err == nil && len(ranking) > 0 {
			klog.Infof("using model of epoch %d with validation loss %.5f", ranking[0].Epoch, ranking[0].Loss)
		}
	}
	predictor := must.M1(classifier.NewPredictor(backend, modelDir, reader, pool, cfg.EvalBatchSize))
	defer predictor.Finalize()

	predictions := must.M1(predictor.Predict(paths))
	if cfg.Verbosity >= 0 {
		for _, p := range predictions {
			fmt.Printf("%s\t%s\t%.1f%%\n", p.Path, p.Word, 100*p.Confidence)
		}
	}
	if *flagReport != "" {
		must.M(classifier.SaveReport(*flagReport, predictions))
		klog.Infof("%d predictions saved to %q", len(predictions), *flagReport)
	}
}

// listImages returns input if it is a file, or the images under it, sorted, if it is a directory.
func listImages(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, errors.Wrapf(err, "reading input %q", input)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}
	var paths []string
	err = filepath.WalkDir(input, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && slices.Contains(corpus.ImageExtensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing images in %q", input)
	}
	slices.Sort(paths)
	return paths, nil
}
