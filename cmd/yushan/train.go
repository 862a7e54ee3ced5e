// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/batch"
	"github.com/yushanml/yushan/pkg/classifier"
	"github.com/yushanml/yushan/pkg/config"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/decode"
	"k8s.io/klog/v2"
)

func runTrain(args []string) {
	cfg := loadConfig()
	fs := newFlagSet("train", cfg)
	flagEval := fs.Bool("eval", true, "Report the evaluation on the validation set at the end of the training.")
	flagBatchNorm := fs.Bool("batchnorm_averages", true, "Update the batch normalization averages with one epoch of training images at the end.")
	parseFlags(fs, cfg, args)

	ctx := classifier.CreateDefaultContext()
	paramsSet := must.M1(cfg.ApplyContextSettings(ctx))
	trainCfg := must.M1(cfg.Augment())
	if err := matchBackbone(ctx, trainCfg); err != nil {
		klog.Exitf("%+v", err)
	}

	backend := backends.MustNew()
	if cfg.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Corpus.
	catalog := must.M1(cfg.Catalog())
	selector := must.M1(cfg.CorpusSelector())
	split := must.M1(corpus.Load(catalog, selector))
	vocab := catalog.Vocabulary()
	klog.Infof("%d classes", vocab.Len())

	reader := must.M1(decode.NewReader(must.M1(cfg.Order()), cfg.CacheSize))
	pool := workerspool.New(cfg.Workers)
	defer pool.Close()

	var teacher *classifier.Teacher
	if trainCfg.Kind == augment.NoisyStudent {
		if cfg.TeacherCheckpoint == "" {
			klog.Exitf("the %s pipeline requires a teacher checkpoint, set it with -teacher", trainCfg.Kind)
		}
		teacher = must.M1(classifier.LoadTeacher(backend, cfg.TeacherCheckpoint))
	}

	// Datasets.
	trainDS, closeTrain := newAssembler(backend, split.Train, trainCfg, batch.Train, cfg, reader, pool)
	defer closeTrain()
	evalCfg := must.M1(cfg.EvalAugment())
	var evalDS []train.Dataset
	if len(split.Valid) > 0 {
		validSamples := preload(split.Valid, reader, pool, cfg.Verbosity >= 0)
		validDS, closeValid := newAssembler(backend, validSamples, evalCfg, batch.Valid, cfg, reader, pool)
		defer closeValid()
		evalDS = append(evalDS, validDS)
	}
	var bnDS train.Dataset
	if *flagBatchNorm {
		var closeBN func()
		bnDS, closeBN = newAssembler(backend, split.Train, evalCfg, batch.Valid, cfg, reader, pool)
		defer closeBN()
	}

	checkpointDir := cfg.RunDir()
	_ = must.M1(classifier.Train(ctx, classifier.TrainOptions{
		Backend:       backend,
		Vocabulary:    vocab,
		Train:         trainDS,
		Eval:          evalDS,
		EvaluateOnEnd: *flagEval,
		BatchNorm:     bnDS,
		Teacher:       teacher,
		CheckpointDir: checkpointDir,
		ParamsSet:     paramsSet,
		Verbosity:     cfg.Verbosity,
	}))
	if cfg.Verbosity >= 1 {
		fmt.Printf("Reader: %s\n", reader)
	}
	fmt.Printf("Model saved in %q\n", checkpointDir)
}

// newAssembler creates the assembler of a phase, and returns it as a dataset with a function to release it.
func newAssembler(backend backends.Backend, samples []corpus.Sample, augCfg augment.Config, phase batch.Phase,
	cfg *config.Config, reader *decode.Reader, pool *workerspool.Pool) (train.Dataset, func()) {
	opts := must.M1(cfg.BatchOptions(phase))
	opts.Reader = reader
	opts.Pool = pool
	augmenter := must.M1(batch.NewAugmenter(backend, augCfg, pool))
	assembler := must.M1(batch.NewAssembler(samples, augmenter, opts))
	ds := assembler.Dataset()
	return ds, func() {
		if prefetch, ok := ds.(*batch.PrefetchDataset); ok {
			prefetch.Done()
		}
		assembler.Close()
	}
}

// preload decodes the images of samples, which are then kept in memory.
func preload(samples []corpus.Sample, reader *decode.Reader, pool *workerspool.Pool, verbose bool) []corpus.Sample {
	paths := make([]string, len(samples))
	for ii, s := range samples {
		paths[ii] = s.Path
	}
	images := must.M1(reader.Preload(pool, paths, verbose))
	loaded := make([]corpus.Sample, len(samples))
	for ii, s := range samples {
		loaded[ii] = corpus.Sample{Image: images[ii], Label: s.Label}
	}
	return loaded
}

// matchBackbone makes the backbone consistent with the number of channels of the pipeline: gray
// images require a "gray_" backbone, which is selected automatically.
func matchBackbone(ctx *context.Context, augCfg augment.Config) error {
	name := context.GetParamOr(ctx, classifier.ParamBackbone, "cnn")
	isGray := strings.HasPrefix(name, "gray_")
	switch {
	case augCfg.Approach.Has(augment.Gray) && !isGray:
		name = "gray_" + name
		klog.Infof("gray images: using backbone %q", name)
		ctx.SetParam(classifier.ParamBackbone, name)
	case !augCfg.Approach.Has(augment.Gray) && isGray:
		return errors.Errorf("backbone %q requires the \"gray\" augmentation approach, got %q", name, augCfg.Approach)
	}
	_, err := classifier.BackboneFromContext(ctx)
	return err
}
