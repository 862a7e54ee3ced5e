// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"io"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/augment/graphaug"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/pixels"
	"k8s.io/klog/v2"
)

// Prediction is the classification of one image.
type Prediction struct {
	Path       string  `csv:"path"`
	Label      int     `csv:"label"`
	Word       string  `csv:"word"`
	Confidence float32 `csv:"confidence"`
}

// ImageReader reads images from paths, see decode.Reader.
type ImageReader interface {
	Read(path string) (*pixels.Image, error)
}

// Predictor classifies images with a model loaded from a checkpoint. Images go through the
// deterministic augment.Basic pipeline with replicate borders, as validation images do.
type Predictor struct {
	vocab     *corpus.Vocabulary
	backbone  Backbone
	pipeline  *graphaug.Pipeline
	exec      *context.Exec
	reader    ImageReader
	pool      *workerspool.Pool
	batchSize int
}

// NewPredictor loads the model saved by Train in checkpointDir. batchSize is the maximum number of
// images classified at once, and pool (which can be nil) is used to read them.
func NewPredictor(backend backends.Backend, checkpointDir string, reader ImageReader, pool *workerspool.Pool, batchSize int) (*Predictor, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", checkpointDir)
	}
	ctx = ctx.Reuse()
	p := &Predictor{reader: reader, pool: pool, batchSize: batchSize}
	p.vocab, err = corpus.LoadVocabulary(VocabularyPath(checkpointDir))
	if err != nil {
		return nil, errors.WithMessagef(err, "model in %q has no vocabulary", checkpointDir)
	}
	p.backbone, err = BackboneFromContext(ctx)
	if err != nil {
		return nil, err
	}

	cfg := augment.DefaultConfig(augment.Basic)
	if _, isGray := p.backbone.(*Gray); isGray {
		cfg.Approach |= augment.Gray
	}
	p.pipeline, err = graphaug.New(backend, cfg)
	if err != nil {
		return nil, err
	}
	numClasses := p.vocab.Len()
	p.exec, err = context.NewExec(backend, ctx.In(ModelScope), func(ctx *context.Context, images *Node) *Node {
		return Softmax(p.backbone.Logits(ctx, images, numClasses), -1)
	})
	if err != nil {
		p.pipeline.Finalize()
		return nil, errors.WithMessagef(err, "compiling model from %q", checkpointDir)
	}
	klog.V(1).Infof("predictor %s loaded from %q with %d classes", p.backbone.Name(), checkpointDir, numClasses)
	return p, nil
}

// Vocabulary returns the class names.
func (p *Predictor) Vocabulary() *corpus.Vocabulary { return p.vocab }

// Classify returns the predictions for already decoded images. Path is left empty.
func (p *Predictor) Classify(images []*pixels.Image) ([]Prediction, error) {
	predictions := make([]Prediction, 0, len(images))
	for start := 0; start < len(images); start += p.batchSize {
		end := min(start+p.batchSize, len(images))
		batch, err := p.classifyBatch(images[start:end])
		if err != nil {
			return nil, errors.WithMessagef(err, "classifying images [%d, %d)", start, end)
		}
		predictions = append(predictions, batch...)
	}
	return predictions, nil
}

func (p *Predictor) classifyBatch(images []*pixels.Image) ([]Prediction, error) {
	outputs, err := p.pipeline.Augment(images, nil)
	if err != nil {
		return nil, err
	}
	probs, err := p.exec.Exec1(outputs[0])
	_ = outputs[0].FinalizeAll()
	if err != nil {
		return nil, err
	}
	defer func() { _ = probs.FinalizeAll() }()
	flat := tensors.MustCopyFlatData[float32](probs)
	numClasses := p.vocab.Len()
	predictions := make([]Prediction, len(images))
	for ii := range predictions {
		row := flat[ii*numClasses : (ii+1)*numClasses]
		best := 0
		for class, prob := range row {
			if prob > row[best] {
				best = class
			}
		}
		predictions[ii] = Prediction{Label: best, Word: p.vocab.Word(best), Confidence: row[best]}
	}
	return predictions, nil
}

// Predict reads and classifies the images in paths.
func (p *Predictor) Predict(paths []string) ([]Prediction, error) {
	if p.reader == nil {
		return nil, errors.New("Predictor has no ImageReader")
	}
	predictions := make([]Prediction, 0, len(paths))
	for start := 0; start < len(paths); start += p.batchSize {
		end := min(start+p.batchSize, len(paths))
		images := make([]*pixels.Image, end-start)
		err := p.pool.Map(len(images), func(i int) error {
			var err error
			images[i], err = p.reader.Read(paths[start+i])
			return errors.WithMessagef(err, "reading %q", paths[start+i])
		})
		if err != nil {
			return nil, err
		}
		batch, err := p.classifyBatch(images)
		if err != nil {
			return nil, errors.WithMessagef(err, "classifying %d images starting at %q", len(images), paths[start])
		}
		for ii := range batch {
			batch[ii].Path = paths[start+ii]
		}
		predictions = append(predictions, batch...)
	}
	return predictions, nil
}

// Finalize releases the compiled graphs. The Predictor can't be used afterward.
func (p *Predictor) Finalize() {
	p.pipeline.Finalize()
	p.exec.Finalize()
}

// WriteReport writes the predictions as CSV, with a header.
func WriteReport(w io.Writer, predictions []Prediction) error {
	return gocsv.Marshal(predictions, w)
}

// SaveReport writes the predictions as CSV to path.
func SaveReport(path string, predictions []Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating report %q", path)
	}
	if err = WriteReport(f, predictions); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing report %q", path)
	}
	return errors.Wrapf(f.Close(), "closing report %q", path)
}
