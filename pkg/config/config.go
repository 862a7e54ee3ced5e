// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of the yushan tools.
//
// Settings are read from environment variables prefixed with "YUSHAN_", optionally loaded from a
// ".env" file first, and can then be overridden by command-line flags (see RegisterFlags).
// Model hyperparameters are not here: they live in the GoMLX context and are changed with the
// Settings string, e.g. "learning_rate=0.1;cnn_width=64".
package config

import (
	"flag"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/batch"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/decode"
	"k8s.io/klog/v2"
)

// EnvPrefix of all environment variables read by Load.
const EnvPrefix = "YUSHAN_"

// Config of the training and inference tools.
type Config struct {
	// Corpus.
	Manifests []string `env:"MANIFESTS" envSeparator:","`
	CleanDir  string   `env:"CLEAN_DIR"`
	NoisyDir  string   `env:"NOISY_DIR"`
	SecondDir string   `env:"SECOND_DIR"`
	Selector  string   `env:"SELECTOR" envDefault:"cleaned"`
	NumFolds  int      `env:"NUM_FOLDS" envDefault:"5"`
	ValidFold int      `env:"VALID_FOLD" envDefault:"0"`
	FoldsSeed int      `env:"FOLDS_SEED" envDefault:"0"`

	// Decoding.
	ColorOrder string `env:"COLOR_ORDER" envDefault:"rgb"`
	CacheSize  int    `env:"CACHE_SIZE" envDefault:"0"`

	// Augmentation.
	Pipeline      string `env:"PIPELINE" envDefault:"rotate"`
	Approach      string `env:"APPROACH" envDefault:"replicate"`
	Border        bool   `env:"BORDER" envDefault:"true"`
	BorderDefault string `env:"BORDER_DEFAULT" envDefault:"none"`
	Warp          bool   `env:"WARP" envDefault:"false"`

	// Batching.
	BatchSize     int    `env:"BATCH_SIZE" envDefault:"32"`
	EvalBatchSize int    `env:"EVAL_BATCH_SIZE" envDefault:"64"`
	Workers       int    `env:"WORKERS" envDefault:"0"`
	Prefetch      int    `env:"PREFETCH" envDefault:"2"`
	Seed          int64  `env:"SEED" envDefault:"42"`
	LastBatch     string `env:"LAST_BATCH" envDefault:"partial"`
	Faults        string `env:"FAULTS" envDefault:"skip"`

	// Training.
	CheckpointDir     string `env:"CHECKPOINT_DIR"`
	CheckpointBase    string `env:"CHECKPOINT_BASE" envDefault:"~/work/yushan"`
	TeacherCheckpoint string `env:"TEACHER_CHECKPOINT"`
	Settings          string `env:"SETTINGS"`
	Verbosity         int    `env:"VERBOSITY" envDefault:"0"`
}

// Load reads the configuration from the environment. If envFile is not empty it is loaded first;
// variables already set in the environment take precedence over the ones in the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "loading environment file %q", envFile)
		}
		klog.V(1).Infof("loaded environment from %q", envFile)
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "parsing configuration from the environment")
	}
	return cfg, nil
}

// manifestsFlag adapts Config.Manifests to flag.Value.
type manifestsFlag struct{ manifests *[]string }

func (m manifestsFlag) String() string {
	if m.manifests == nil {
		return ""
	}
	return strings.Join(*m.manifests, ",")
}

func (m manifestsFlag) Set(s string) error {
	*m.manifests = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*m.manifests = append(*m.manifests, part)
		}
	}
	return nil
}

// RegisterFlags creates one flag per setting in fs, using the current values as defaults, so flags
// given in the command line override the environment. Call it after Load and before fs.Parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(manifestsFlag{&c.Manifests}, "manifests", "Comma-separated list of CSV manifests with the columns path, label and source.")
	fs.StringVar(&c.CleanDir, "clean_dir", c.CleanDir, "Directory with one sub-directory of verified images per class.")
	fs.StringVar(&c.NoisyDir, "noisy_dir", c.NoisyDir, "Directory with one sub-directory of noisy images per class.")
	fs.StringVar(&c.SecondDir, "second_dir", c.SecondDir, "Directory with one sub-directory of scanned documents per class.")
	fs.StringVar(&c.Selector, "selector", c.Selector, "Corpus selector: cleaned, mixed, second or noisy_student.")
	fs.IntVar(&c.NumFolds, "num_folds", c.NumFolds, "Number of folds of the train/validation split.")
	fs.IntVar(&c.ValidFold, "valid_fold", c.ValidFold, "Fold used for validation.")
	fs.IntVar(&c.FoldsSeed, "folds_seed", c.FoldsSeed, "Seed mixed into the hash that assigns images to folds.")

	fs.StringVar(&c.ColorOrder, "color_order", c.ColorOrder, "Channel order of decoded images: rgb or bgr.")
	fs.IntVar(&c.CacheSize, "cache_size", c.CacheSize, "Number of decoded images kept in memory. 0 disables the cache.")

	fs.StringVar(&c.Pipeline, "pipeline", c.Pipeline, "Training augmentation pipeline: basic, rotate, water, noisy_student, host or host_second_source.")
	fs.StringVar(&c.Approach, "approach", c.Approach, "Augmentation approach flags joined by '+', e.g. \"gray+wrap\".")
	fs.BoolVar(&c.Border, "border", c.Border, "Add a border to make images square before resizing.")
	fs.StringVar(&c.BorderDefault, "border_default", c.BorderDefault, "Border used when the approach selects none: none, replicate or wrap.")
	fs.BoolVar(&c.Warp, "warp", c.Warp, "Apply a random affine warp to the augmented view of the noisy_student pipeline.")

	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Training batch size.")
	fs.IntVar(&c.EvalBatchSize, "eval_batch_size", c.EvalBatchSize, "Validation and inference batch size.")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of goroutines reading images. 0 uses the number of CPUs.")
	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "Number of batches assembled ahead of training. 0 disables it.")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed of the shuffling and of the random augmentations.")
	fs.StringVar(&c.LastBatch, "last_batch", c.LastBatch, "What to do with the last incomplete batch: partial, drop or fill.")
	fs.StringVar(&c.Faults, "faults", c.Faults, "What to do with images that fail to load: skip or abort.")

	fs.StringVar(&c.CheckpointDir, "checkpoint", c.CheckpointDir, "Directory to save and load checkpoints from. "+
		"If relative, it's taken from the checkpoint base. If empty a new one is created.")
	fs.StringVar(&c.CheckpointBase, "checkpoint_base", c.CheckpointBase, "Base directory of relative checkpoint directories.")
	fs.StringVar(&c.TeacherCheckpoint, "teacher", c.TeacherCheckpoint, "Checkpoint of the teacher model, required by the noisy_student pipeline.")
	fs.StringVar(&c.Settings, "set", c.Settings, "Model hyperparameters, e.g. \"learning_rate=0.1;cnn_width=64\".")
	fs.IntVar(&c.Verbosity, "verbosity", c.Verbosity, "-1 for silent, 0 for a progress bar, 1 and above for more details.")
}

// Validate checks that all enumerated settings parse and the numbers are in range.
func (c *Config) Validate() error {
	if _, err := c.CorpusSelector(); err != nil {
		return err
	}
	if _, err := c.Order(); err != nil {
		return err
	}
	if _, err := c.Augment(); err != nil {
		return err
	}
	if _, err := batch.ParseLastBatchPolicy(c.LastBatch); err != nil {
		return err
	}
	if _, err := batch.ParseFaultPolicy(c.Faults); err != nil {
		return err
	}
	if c.NumFolds < 2 {
		return errors.Errorf("number of folds must be >= 2, got %d", c.NumFolds)
	}
	if c.ValidFold < 0 || c.ValidFold >= c.NumFolds {
		return errors.Errorf("validation fold %d out of range [0, %d)", c.ValidFold, c.NumFolds)
	}
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 {
		return errors.Errorf("batch sizes must be > 0, got %d and %d", c.BatchSize, c.EvalBatchSize)
	}
	if c.CacheSize < 0 || c.Workers < 0 || c.Prefetch < 0 {
		return errors.Errorf("cache size (%d), workers (%d) and prefetch (%d) can't be negative", c.CacheSize, c.Workers, c.Prefetch)
	}
	return nil
}

// CorpusSelector parses Selector.
func (c *Config) CorpusSelector() (corpus.Selector, error) {
	return corpus.ParseSelector(c.Selector)
}

// Order parses ColorOrder.
func (c *Config) Order() (decode.ColorOrder, error) {
	return decode.ParseColorOrder(c.ColorOrder)
}

func parseBorderChoice(s string) (augment.BorderChoice, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return augment.BorderNone, nil
	case "replicate":
		return augment.BorderReplicate, nil
	case "wrap":
		return augment.BorderWrap, nil
	}
	return 0, errors.Wrapf(augment.ErrConfiguration, "unknown border default %q, valid values are \"none\", \"replicate\" and \"wrap\"", s)
}

// Augment returns the validated configuration of the training augmentation pipeline.
func (c *Config) Augment() (augment.Config, error) {
	kind, err := augment.ParseKind(c.Pipeline)
	if err != nil {
		return augment.Config{}, err
	}
	cfg := augment.DefaultConfig(kind)
	if cfg.Approach, err = augment.ParseApproach(c.Approach); err != nil {
		return augment.Config{}, err
	}
	if cfg.BorderDefault, err = parseBorderChoice(c.BorderDefault); err != nil {
		return augment.Config{}, err
	}
	cfg.Border = c.Border
	cfg.Warp = c.Warp
	if err = cfg.Validate(); err != nil {
		return augment.Config{}, err
	}
	return cfg, nil
}

// EvalAugment returns the deterministic augment.Basic configuration used for validation, with the
// same approach and borders as the training pipeline.
func (c *Config) EvalAugment() (augment.Config, error) {
	train, err := c.Augment()
	if err != nil {
		return augment.Config{}, err
	}
	cfg := augment.DefaultConfig(augment.Basic)
	cfg.Approach = train.Approach
	cfg.BorderDefault = train.BorderDefault
	cfg.Border = train.Border
	if train.Kind == augment.HostSecondSource {
		// The scanned documents pipeline never adds borders.
		cfg.Border = false
	}
	return cfg, cfg.Validate()
}

// BatchOptions returns the batch.Options for the phase. Reader and Pool are left for the caller to set.
func (c *Config) BatchOptions(phase batch.Phase) (batch.Options, error) {
	size := c.BatchSize
	if phase == batch.Valid {
		size = c.EvalBatchSize
	}
	opts := batch.DefaultOptions(size, phase)
	opts.Seed = c.Seed
	opts.Workers = c.Workers
	opts.Prefetch = c.Prefetch
	opts.Name = phase.String()
	var err error
	if phase == batch.Train {
		if opts.LastBatch, err = batch.ParseLastBatchPolicy(c.LastBatch); err != nil {
			return opts, err
		}
	}
	if opts.Faults, err = batch.ParseFaultPolicy(c.Faults); err != nil {
		return opts, err
	}
	return opts, nil
}

// Catalog reads all manifests and scans the image directories.
func (c *Config) Catalog() (*corpus.Catalog, error) {
	var entries []corpus.Entry
	for _, manifest := range c.Manifests {
		manifestEntries, err := corpus.ReadManifest(manifest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, manifestEntries...)
	}
	for _, dir := range []struct {
		path   string
		source corpus.Source
	}{{c.CleanDir, corpus.SourceClean}, {c.NoisyDir, corpus.SourceNoisy}, {c.SecondDir, corpus.SourceSecond}} {
		if dir.path == "" {
			continue
		}
		scanned, err := corpus.ScanDir(expandDir(dir.path), dir.source)
		if err != nil {
			return nil, err
		}
		entries = append(entries, scanned...)
	}
	if len(entries) == 0 {
		return nil, errors.New("no images configured: set the manifests or one of the image directories")
	}
	catalog := corpus.NewCatalog(entries)
	catalog.NumFolds = c.NumFolds
	catalog.ValidFold = c.ValidFold
	catalog.FoldsSeed = int32(c.FoldsSeed)
	return catalog, nil
}

// expandDir replaces a leading "~" with the user's home directory.
func expandDir(dir string) string {
	expanded, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		klog.Warningf("can't expand %q: %v", dir, err)
		return dir
	}
	return expanded
}

// RunDir returns the checkpoint directory of this run: CheckpointDir joined to CheckpointBase if
// relative, or a new unique directory under CheckpointBase if CheckpointDir is empty.
func (c *Config) RunDir() string {
	dir := c.CheckpointDir
	if dir == "" {
		dir = "run-" + uuid.NewString()
	}
	dir = expandDir(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(expandDir(c.CheckpointBase), dir)
	}
	return dir
}

// ApplyContextSettings applies Settings to the hyperparameters in ctx, and returns the names of
// the parameters set.
func (c *Config) ApplyContextSettings(ctx *context.Context) ([]string, error) {
	if c.Settings == "" {
		return nil, nil
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, c.Settings)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing settings %q", c.Settings)
	}
	return paramsSet, nil
}
