package pipeline

import (
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultOutputRoot is where every run writes its artifacts, relative to the
// install root the steps run in.
const DefaultOutputRoot = "model_output"

// Credentials of the object store. They are forwarded verbatim to the
// training step and never interpreted here.
type Credentials struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Builder turns a Config into the ordered list of steps to run. It has no
// side effects: no files are created and no processes are started.
type Builder struct {
	Python     string
	OutputRoot string
	Store      Credentials
	Registry   *StageRegistry
}

func NewBuilder(python string, store Credentials) *Builder {
	return &Builder{
		Python:     python,
		OutputRoot: DefaultOutputRoot,
		Store:      store,
		Registry:   DefaultRegistry(),
	}
}

// Build returns the pipeline for cfg. Training always comes first; merge,
// convert and upload follow when requested. The upload input is chosen here,
// not at run time: ct2 output, else merged output, else the LoRA adapters.
func (b *Builder) Build(cfg Config) ([]Step, error) {
	cfg = cfg.WithDefaults()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	reg := b.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	python := b.Python
	if strings.TrimSpace(python) == "" {
		python = "python3"
	}
	root := b.OutputRoot
	if root == "" {
		root = DefaultOutputRoot
	}

	base := filepath.Join(root, cfg.OutputDir)
	loraDir := filepath.Join(base, "lora")
	mergedDir := filepath.Join(base, "merged")
	ct2Dir := filepath.Join(base, "ct2")

	bucket := cfg.BucketName
	if bucket == "" {
		bucket = b.Store.Bucket
	}

	module := func(stage string) []string {
		def, _ := reg.GetDefinition(stage)
		return []string{python, "-m", def.Module}
	}

	if err := reg.Validate(StageTraining, cfg); err != nil {
		return nil, err
	}
	steps := []Step{{
		Name: StageTraining,
		Command: append(module(StageTraining),
			"--model-name", cfg.ModelName,
			"--output-dir", loraDir,
			"--max-steps", strconv.Itoa(cfg.MaxSteps),
			"--eval-steps", strconv.Itoa(cfg.EvalSteps),
			"--bucket-name", bucket,
			"--learning-rate", strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64),
			"--batch-size", strconv.Itoa(cfg.BatchSize),
			"--minio-endpoint", b.Store.Endpoint,
			"--minio-access-key", b.Store.AccessKey,
			"--minio-secret-key", b.Store.SecretKey,
			"--minio-bucket", bucket,
		),
	}}

	if cfg.DoMerge {
		if err := reg.Validate(StageMerging, cfg); err != nil {
			return nil, err
		}
		steps = append(steps, Step{
			Name: StageMerging,
			Command: append(module(StageMerging),
				"--lora-checkpoint", loraDir,
				"--output-dir", mergedDir,
			),
		})

		if cfg.DoConvert {
			if err := reg.Validate(StageConverting, cfg); err != nil {
				return nil, err
			}
			steps = append(steps, Step{
				Name: StageConverting,
				Command: append(module(StageConverting),
					"--model-path", mergedDir,
					"--output-dir", ct2Dir,
					"--quantization", "float16",
				),
			})
		}
	}

	if cfg.DoUpload {
		if err := reg.Validate(StageUploading, cfg); err != nil {
			return nil, err
		}
		folder := loraDir
		if cfg.DoMerge && cfg.DoConvert {
			folder = ct2Dir
		} else if cfg.DoMerge {
			folder = mergedDir
		}
		steps = append(steps, Step{
			Name: StageUploading,
			Command: append(module(StageUploading),
				"--repo-id", cfg.HFRepoID,
				"--folder", folder,
				"--token", cfg.HFToken,
			),
		})
	}

	return steps, nil
}

func validateConfig(cfg Config) error {
	if cfg.MaxSteps < 0 {
		return &ConfigurationError{Field: "max_steps", Reason: "must be positive"}
	}
	if cfg.EvalSteps < 0 {
		return &ConfigurationError{Field: "eval_steps", Reason: "must be positive"}
	}
	if cfg.BatchSize < 0 {
		return &ConfigurationError{Field: "per_device_train_batch_size", Reason: "must be positive"}
	}
	if cfg.LearningRate < 0 {
		return &ConfigurationError{Field: "learning_rate", Reason: "must be positive"}
	}
	out := cfg.OutputDir
	if !filepath.IsLocal(out) || filepath.Clean(out) == "." || strings.ContainsRune(out, '\\') {
		return &ConfigurationError{Field: "output_dir", Reason: "must be a relative name inside the output root"}
	}
	return nil
}
