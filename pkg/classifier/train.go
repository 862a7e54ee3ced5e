// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/corpus"
	"k8s.io/klog/v2"
)

var (
	// ParamNumEpochs is the number of epochs to train for on each call to Train.
	ParamNumEpochs = "num_epochs"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointMinutes is the period, in minutes, between checkpoints while training.
	ParamCheckpointMinutes = "checkpoint_minutes"

	// ParamBestCheckpoints is the number of models with the lowest validation loss kept in BestDir.
	// The loss is evaluated on the first Eval dataset at the end of every epoch. 0 disables it.
	ParamBestCheckpoints = "best_checkpoints"

	// ParamsExcludedFromSaving are parameters that only affect the current training session, so they are not
	// saved along the checkpoints.
	ParamsExcludedFromSaving = []string{ParamNumEpochs, ParamNumCheckpoints, ParamCheckpointMinutes, ParamBestCheckpoints}
)

// VocabularyFile is the name of the file, in the checkpoint directory, with the class names.
const VocabularyFile = "vocabulary.csv"

// VocabularyPath returns the path of the vocabulary in a checkpoint directory.
func VocabularyPath(checkpointDir string) string {
	return filepath.Join(checkpointDir, VocabularyFile)
}

// CreateDefaultContext sets the hyperparameters with their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBackbone:      "cnn",
		ParamCNNWidth:      32,
		ParamCNNBlocks:     3,
		ParamGroupDivisors: []float64{100, 10},

		optimizers.ParamOptimizer:    GroupedSGDName,
		optimizers.ParamLearningRate: 0.01,
		ParamMomentum:                0.9,
		ParamWeightDecay:             1e-4,
		optimizers.ParamClipNaN:      false,
		ParamTemperature:             1.0,

		// Cosine annealing of the learning rates, disabled while both the period and the cycles are 0.
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamCycles:          0,
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 0.0,

		ParamNumEpochs:         10,
		ParamNumCheckpoints:    3,
		ParamCheckpointMinutes: 3,
		ParamBestCheckpoints:   3,
	})
	return ctx
}

// TrainOptions configures Train.
type TrainOptions struct {
	Backend    backends.Backend
	Vocabulary *corpus.Vocabulary

	// Train is the dataset to train on. It must return io.EOF at the end of each epoch.
	Train train.Dataset

	// Eval datasets are reported at the end of the training if EvaluateOnEnd is set. With a
	// CheckpointDir, the first one also ranks the models kept in BestDir, see ParamBestCheckpoints.
	Eval          []train.Dataset
	EvaluateOnEnd bool

	// BatchNorm is an optional dataset, one epoch of training data, used to update the batch normalization
	// averages after training.
	BatchNorm train.Dataset

	// Teacher, if set, turns on distillation: datasets are wrapped with NewDistillationDataset.
	Teacher *Teacher

	// CheckpointDir, if set, is where checkpoints are loaded from and saved to.
	CheckpointDir string

	// ParamsSet are the hyperparameters set by the user, they are not saved with the checkpoint, so they
	// can be changed in a later session.
	ParamsSet []string

	// Verbosity: -1 for silent, 0 shows the progress bar, 1 and above print more details.
	Verbosity int
}

// Train trains the model selected by the hyperparameters in ctx, and returns the trainer.
//
// If CheckpointDir holds a previous checkpoint, training continues from it.
// With a CheckpointDir and Eval datasets, the models with the lowest validation loss at the end of
// an epoch are also kept, see BestKeeper.
func Train(ctx *context.Context, opts TrainOptions) (*train.Trainer, error) {
	if opts.Backend == nil {
		return nil, errors.New("Train requires a backend")
	}
	if opts.Vocabulary == nil || opts.Vocabulary.Len() < 2 {
		return nil, errors.New("Train requires a vocabulary with at least 2 classes")
	}
	if opts.Train == nil {
		return nil, errors.New("Train requires a training dataset")
	}
	numClasses := opts.Vocabulary.Len()

	var checkpoint *checkpoints.Handler
	if opts.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(opts.CheckpointDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(append(opts.ParamsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoints in %q", opts.CheckpointDir)
		}
		if err = os.MkdirAll(checkpoint.Dir(), 0777); err != nil {
			return nil, errors.Wrapf(err, "creating checkpoint directory %q", checkpoint.Dir())
		}
		if err = opts.Vocabulary.Save(VocabularyPath(checkpoint.Dir())); err != nil {
			return nil, err
		}
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	if opts.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	backbone, err := BackboneFromContext(ctx)
	if err != nil {
		return nil, err
	}
	optimizer, err := OptimizerFromContext(ctx, backbone)
	if err != nil {
		return nil, err
	}

	trainDS, evalDS, bnDS := opts.Train, opts.Eval, opts.BatchNorm
	lossFn := losses.SparseCategoricalCrossEntropyLogits
	var trainMetrics, evalMetrics []metrics.Interface
	if opts.Teacher != nil {
		if opts.Teacher.NumClasses() != numClasses {
			return nil, errors.Errorf("teacher has %d classes, but the vocabulary has %d", opts.Teacher.NumClasses(), numClasses)
		}
		distill := func(ds train.Dataset) train.Dataset {
			if ds == nil {
				return nil
			}
			return NewDistillationDataset(ds, opts.Teacher)
		}
		trainDS, bnDS = distill(trainDS), distill(bnDS)
		evalDS = make([]train.Dataset, len(opts.Eval))
		for ii, ds := range opts.Eval {
			evalDS[ii] = distill(ds)
		}
		lossFn = DistillationLoss(context.GetParamOr(ctx, ParamTemperature, 1.0))
		accuracy, agreement := NewDistillationMetrics()
		trainMetrics = []metrics.Interface{NewMovingTeacherAgreement()}
		evalMetrics = []metrics.Interface{accuracy, agreement}
	} else {
		trainMetrics = []metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)}
		evalMetrics = []metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")}
	}

	ctx = ctx.In(ModelScope)
	trainer := train.NewTrainer(opts.Backend, ctx, ModelFn(backbone, numClasses), lossFn, optimizer,
		trainMetrics, evalMetrics)
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		period := time.Minute * time.Duration(context.GetParamOr(ctx, ParamCheckpointMinutes, 3))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	if numBest := context.GetParamOr(ctx, ParamBestCheckpoints, 3); checkpoint != nil && len(evalDS) > 0 && numBest > 0 {
		best, err := NewBestKeeper(checkpoint, numBest)
		if err != nil {
			return nil, err
		}
		if err = opts.Vocabulary.Save(VocabularyPath(best.Dir())); err != nil {
			return nil, err
		}
		trainDS = &epochEndDataset{Dataset: trainDS, fn: func(epoch int) error {
			loss, err := validationLoss(trainer, evalDS[0])
			if err != nil {
				return err
			}
			_, err = best.Offer(loss, epoch, optimizers.GetGlobalStep(ctx))
			return err
		}}
	}

	if optimizers.GetGlobalStep(ctx) > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	if numEpochs > 0 {
		if _, err = loop.RunEpochs(trainDS, numEpochs); err != nil {
			return nil, errors.WithMessagef(err, "training %s for %d epochs", backbone.Name(), numEpochs)
		}
		if opts.Verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	}

	if bnDS != nil {
		updated, err := batchnorm.UpdateAverages(trainer, bnDS)
		if err != nil {
			return nil, errors.WithMessage(err, "updating batch normalization averages")
		}
		if updated {
			klog.V(1).Info("updated batch normalization mean/variances averages")
			if checkpoint != nil {
				if err = checkpoint.Save(); err != nil {
					return nil, err
				}
			}
		}
	}

	if opts.EvaluateOnEnd && len(evalDS) > 0 {
		if err = commandline.ReportEval(trainer, evalDS...); err != nil {
			return nil, err
		}
	}
	return trainer, nil
}
