// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/gocarina/gocsv"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestDir is the sub-directory of the checkpoint directory holding the models with the lowest
// validation loss. It is itself a checkpoint directory: loading it (e.g. with NewPredictor) reads
// the best model.
const BestDir = "best"

// RankingFile, in BestDir, lists the kept models from the lowest validation loss.
const RankingFile = "ranking.csv"

// BestModel is one entry of the ranking in BestDir.
type BestModel struct {
	Checkpoint string  `csv:"checkpoint"`
	Epoch      int     `csv:"epoch"`
	Step       int64   `csv:"step"`
	Loss       float64 `csv:"loss"`
}

// BestKeeper keeps links, in BestDir, to the checkpoints with the lowest validation losses seen.
//
// The links are named after the loss, so that the lowest one sorts last: that is the checkpoint
// the checkpoints package loads from a directory.
type BestKeeper struct {
	handler *checkpoints.Handler
	dir     string
	keep    int
	ranking []BestModel
}

// NewBestKeeper creates BestDir under the handler directory, and picks up the ranking of a
// previous training session, if any.
func NewBestKeeper(handler *checkpoints.Handler, keep int) (*BestKeeper, error) {
	if keep <= 0 {
		return nil, errors.Errorf("number of best checkpoints must be > 0, got %d", keep)
	}
	b := &BestKeeper{handler: handler, dir: filepath.Join(handler.Dir(), BestDir), keep: keep}
	if err := os.MkdirAll(b.dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating best checkpoints directory %q", b.dir)
	}
	if _, err := os.Stat(filepath.Join(b.dir, RankingFile)); err == nil {
		if b.ranking, err = LoadRanking(b.dir); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Dir returns the directory of the best checkpoints.
func (b *BestKeeper) Dir() string { return b.dir }

// Ranking returns the kept models, from the lowest loss.
func (b *BestKeeper) Ranking() []BestModel { return slices.Clone(b.ranking) }

// bestKeyMax bounds the loss key of the link names: losses are kept with 5 decimal places,
// and losses of 100 or more share the same key.
const bestKeyMax = 9_999_999

// bestBaseName is the name of the link for a checkpoint: it sorts after the names of higher losses,
// and for equal losses after earlier steps.
func bestBaseName(loss float64, step int64) string {
	key := bestKeyMax - int64(math.Round(loss*1e5))
	key = min(max(key, 0), bestKeyMax)
	return fmt.Sprintf("checkpoint-n%07d-step-%08d", key, step)
}

// Offer the validation loss of the current model. If it is among the keep lowest, the model is
// saved and linked into BestDir, and the model that drops out of the ranking is removed.
// It returns whether the model was kept.
func (b *BestKeeper) Offer(loss float64, epoch int, step int64) (bool, error) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		klog.Warningf("best checkpoints: ignoring validation loss %g at step %d", loss, step)
		return false, nil
	}
	if len(b.ranking) >= b.keep && loss >= b.ranking[len(b.ranking)-1].Loss {
		return false, nil
	}
	if err := b.handler.Save(); err != nil {
		return false, err
	}
	names, err := b.handler.ListCheckpoints()
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, errors.Errorf("no checkpoint in %q after saving", b.handler.Dir())
	}
	model := BestModel{Checkpoint: bestBaseName(loss, step), Epoch: epoch, Step: step, Loss: loss}
	b.ranking = slices.DeleteFunc(b.ranking, func(m BestModel) bool { return m.Checkpoint == model.Checkpoint })
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		from := filepath.Join(b.handler.Dir(), names[len(names)-1]+suffix)
		to := filepath.Join(b.dir, model.Checkpoint+suffix)
		_ = os.Remove(to)
		if err = os.Link(from, to); err != nil {
			return false, errors.Wrapf(err, "failed to link %q to %q", from, to)
		}
	}
	pos, _ := slices.BinarySearchFunc(b.ranking, loss, func(m BestModel, target float64) int {
		return cmp.Compare(m.Loss, target)
	})
	b.ranking = slices.Insert(b.ranking, pos, model)
	for len(b.ranking) > b.keep {
		worst := b.ranking[len(b.ranking)-1]
		b.ranking = b.ranking[:len(b.ranking)-1]
		for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
			path := filepath.Join(b.dir, worst.Checkpoint+suffix)
			if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
				return false, errors.Wrapf(err, "removing best checkpoint file %q", path)
			}
		}
	}
	klog.V(1).Infof("best checkpoints: kept model of epoch %d (step %d) with validation loss %.5f, rank %d of %d",
		epoch, step, loss, pos+1, len(b.ranking))
	return true, b.saveRanking()
}

func (b *BestKeeper) saveRanking() error {
	path := filepath.Join(b.dir, RankingFile)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating ranking file %q", path)
	}
	if err = gocsv.Marshal(b.ranking, f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing ranking file %q", path)
	}
	return errors.Wrapf(f.Close(), "closing ranking file %q", path)
}

// LoadRanking reads the ranking of the best models saved in dir, a BestDir.
func LoadRanking(dir string) ([]BestModel, error) {
	path := filepath.Join(dir, RankingFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening ranking file %q", path)
	}
	defer func() { _ = f.Close() }()
	return readRanking(f)
}

func readRanking(r io.Reader) ([]BestModel, error) {
	var ranking []BestModel
	if err := gocsv.Unmarshal(r, &ranking); err != nil {
		return nil, errors.Wrap(err, "parsing ranking of best models")
	}
	slices.SortStableFunc(ranking, func(a, b BestModel) int { return cmp.Compare(a.Loss, b.Loss) })
	return ranking, nil
}

// validationLoss evaluates the trainer on ds and returns the mean loss.
func validationLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	lossAndMetrics, err := trainer.Eval(ds)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluating %q", ds.Name())
	}
	defer func() {
		for _, t := range lossAndMetrics {
			t.FinalizeAll()
		}
	}()
	if len(lossAndMetrics) == 0 {
		return 0, errors.Errorf("evaluation of %q returned no loss", ds.Name())
	}
	return scalarFloat(lossAndMetrics[0])
}

func scalarFloat(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
	}
}

// epochEndDataset calls fn at the end of each epoch of the wrapped dataset, before the io.EOF
// reaches the training loop.
type epochEndDataset struct {
	train.Dataset
	epoch int
	fn    func(epoch int) error
}

func (d *epochEndDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = d.Dataset.Yield()
	if err != io.EOF {
		return
	}
	epoch := d.epoch
	d.epoch++
	if fnErr := d.fn(epoch); fnErr != nil {
		return nil, nil, nil, errors.WithMessagef(fnErr, "end of epoch %d", epoch)
	}
	return
}
