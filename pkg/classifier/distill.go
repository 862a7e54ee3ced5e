// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/corpus"
	"k8s.io/klog/v2"
)

// ParamTemperature is the softmax temperature applied to the teacher logits in distillation.
var ParamTemperature = "distill_temperature"

// DistillationLoss returns a losses.LossFn for noisy-student training.
//
// It expects labels to be [trueLabels, teacherLogits] and returns the batch mean of the cross-entropy
// between softmax(teacherLogits/temperature) and the student predictions. The true labels are not used.
func DistillationLoss(temperature float64) losses.LossFn {
	if temperature <= 0 {
		exceptions.Panicf("distillation temperature must be > 0, got %g", temperature)
	}
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 2 {
			exceptions.Panicf("distillation loss requires labels [trueLabels, teacherLogits], got %d labels", len(labels))
		}
		teacher, student := labels[1], predictions[0]
		if !teacher.Shape().Equal(student.Shape()) {
			exceptions.Panicf("teacher logits %s and student logits %s must have the same shape",
				teacher.Shape(), student.Shape())
		}
		targets := StopGradient(Softmax(DivScalar(teacher, temperature), -1))
		perExample := Neg(ReduceSum(Mul(targets, LogSoftmax(student, -1)), -1))
		return ReduceAllMean(perExample)
	}
}

// trueLabelsAccuracyGraph is metrics.SparseCategoricalAccuracyGraph over the true labels only: the teacher
// logits that follow them are not weights or masks.
func trueLabelsAccuracyGraph(ctx *context.Context, labels, logits []*Node) *Node {
	return metrics.SparseCategoricalAccuracyGraph(ctx, labels[:1], logits)
}

// teacherAgreementGraph is the fraction of examples where the student and the teacher choose the same class.
func teacherAgreementGraph(_ *context.Context, labels, logits []*Node) *Node {
	student := logits[0]
	teacherChoice := ArgMax(labels[1], -1, dtypes.Int32)
	studentChoice := ArgMax(student, -1, dtypes.Int32)
	agree := ConvertDType(Equal(teacherChoice, studentChoice), student.DType())
	return ReduceAllMean(agree)
}

// NewDistillationMetrics returns the metrics used in distillation: the accuracy on the true labels
// and the agreement with the teacher.
func NewDistillationMetrics() (accuracy, agreement *metrics.MeanMetric) {
	accuracy = metrics.NewMeanMetric("Mean Accuracy", "#acc", metrics.AccuracyMetricType, trueLabelsAccuracyGraph, nil)
	agreement = metrics.NewMeanMetric("Teacher Agreement", "#agree", metrics.AccuracyMetricType, teacherAgreementGraph, nil)
	return
}

// NewMovingTeacherAgreement returns the moving average version of the teacher agreement, used while training.
func NewMovingTeacherAgreement() metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric("Moving Teacher Agreement", "~agree",
		metrics.AccuracyMetricType, teacherAgreementGraph, nil, 0.01)
}

// Teacher is a frozen model that scores the undistorted view of each sample.
type Teacher struct {
	backbone   Backbone
	numClasses int
	exec       *context.Exec
}

// NewTeacher compiles the teacher model from ctx, whose variables must already be set (or loaded
// from a checkpoint). Only inference is run, so the variables are never changed.
func NewTeacher(backend backends.Backend, ctx *context.Context, backbone Backbone, numClasses int) (*Teacher, error) {
	t := &Teacher{backbone: backbone, numClasses: numClasses}
	var err error
	t.exec, err = context.NewExec(backend, ctx.In(ModelScope), func(ctx *context.Context, images *Node) *Node {
		return backbone.Logits(ctx, images, numClasses)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "compiling teacher model")
	}
	return t, nil
}

// LoadTeacher loads the teacher from a checkpoint directory created by Train. The backbone is selected
// by the parameters saved with the checkpoint, and the number of classes by its vocabulary.
func LoadTeacher(backend backends.Backend, checkpointDir string) (*Teacher, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading teacher from %q", checkpointDir)
	}
	vocab, err := corpus.LoadVocabulary(VocabularyPath(checkpointDir))
	if err != nil {
		return nil, errors.WithMessagef(err, "teacher in %q has no vocabulary", checkpointDir)
	}
	ctx = ctx.Reuse()
	backbone, err := BackboneFromContext(ctx)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("teacher %s loaded from %q with %d classes", backbone.Name(), checkpointDir, vocab.Len())
	return NewTeacher(backend, ctx, backbone, vocab.Len())
}

// NumClasses returns the number of classes the teacher scores.
func (t *Teacher) NumClasses() int { return t.numClasses }

// Logits returns the teacher logits for a batch of images shaped [batch, channels, height, width].
func (t *Teacher) Logits(images *tensors.Tensor) (*tensors.Tensor, error) {
	return t.exec.Exec1(images)
}

// DistillationDataset wraps a dataset yielding inputs [raw, aug] and labels [trueLabels]: it scores the raw
// view with the teacher and yields inputs [aug] and labels [trueLabels, teacherLogits].
//
// Datasets with a single input (e.g. validation) are scored on that same input.
type DistillationDataset struct {
	ds      train.Dataset
	teacher *Teacher
}

var _ train.Dataset = (*DistillationDataset)(nil)

// NewDistillationDataset wraps ds, usually a batch.Assembler with a NoisyStudent pipeline.
func NewDistillationDataset(ds train.Dataset, teacher *Teacher) *DistillationDataset {
	return &DistillationDataset{ds: ds, teacher: teacher}
}

// Name implements train.Dataset.
func (d *DistillationDataset) Name() string { return d.ds.Name() }

// Reset implements train.Dataset.
func (d *DistillationDataset) Reset() { d.ds.Reset() }

// Yield implements train.Dataset.
func (d *DistillationDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = d.ds.Yield()
	if err != nil {
		return
	}
	if len(inputs) < 1 || len(inputs) > 2 || len(labels) != 1 {
		err = errors.Errorf("dataset %q must yield inputs [raw, aug] (or [images]) and labels [labels] for distillation, "+
			"got %d inputs and %d labels", d.ds.Name(), len(inputs), len(labels))
		return
	}
	raw, aug := inputs[0], inputs[len(inputs)-1]
	teacherLogits, err := d.teacher.Logits(raw)
	if raw != aug {
		_ = raw.FinalizeAll()
	}
	if err != nil {
		_ = aug.FinalizeAll()
		_ = labels[0].FinalizeAll()
		err = errors.WithMessagef(err, "scoring batch of %q with the teacher", d.ds.Name())
		return
	}
	return spec, []*tensors.Tensor{aug}, []*tensors.Tensor{labels[0], teacherLogits}, nil
}
