package pipeline

import "strings"

// Stage names, in pipeline order.
const (
	StageTraining   = "Training"
	StageMerging    = "Merging"
	StageConverting = "Converting"
	StageUploading  = "Uploading"
)

// Step is one external command of a pipeline. It is never mutated after Build.
type Step struct {
	Name    string   `json:"name" yaml:"name"`
	Command []string `json:"command" yaml:"command"`
}

// Config is the one-shot training request. Zero values mean "use the default".
type Config struct {
	ModelName    string  `json:"model_name" yaml:"model_name"`
	BucketName   string  `json:"bucket_name" yaml:"bucket_name"`
	OutputDir    string  `json:"output_dir" yaml:"output_dir"`
	MaxSteps     int     `json:"max_steps" yaml:"max_steps"`
	EvalSteps    int     `json:"eval_steps" yaml:"eval_steps"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	BatchSize    int     `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size"`
	DoMerge      bool    `json:"do_merge" yaml:"do_merge"`
	DoConvert    bool    `json:"do_convert" yaml:"do_convert"`
	DoUpload     bool    `json:"do_upload" yaml:"do_upload"`
	HFRepoID     string  `json:"hf_repo_id" yaml:"hf_repo_id"`
	HFToken      string  `json:"hf_token" yaml:"hf_token"`
}

const (
	DefaultModelName    = "openai/whisper-large-v3"
	DefaultOutputDir    = "lora-whisper"
	DefaultMaxSteps     = 100
	DefaultEvalSteps    = 50
	DefaultLearningRate = 1e-4
	DefaultBatchSize    = 1
)

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.ModelName) == "" {
		c.ModelName = DefaultModelName
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.EvalSteps == 0 {
		c.EvalSteps = DefaultEvalSteps
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// field returns the string form of a config field by its json name. Only the
// fields a stage can require are listed.
func (c Config) field(name string) string {
	switch name {
	case "model_name":
		return c.ModelName
	case "bucket_name":
		return c.BucketName
	case "output_dir":
		return c.OutputDir
	case "hf_repo_id":
		return c.HFRepoID
	case "hf_token":
		return c.HFToken
	}
	return ""
}

// Names returns the step names of a pipeline in order.
func Names(steps []Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

var secretFlags = map[string]struct{}{
	"--minio-access-key": {},
	"--minio-secret-key": {},
	"--token":            {},
}

// Redacted returns the command line with credential values masked, for logs.
func (s Step) Redacted() string {
	return strings.Join(s.RedactedArgs(), " ")
}

func (s Step) RedactedArgs() []string {
	out := make([]string, len(s.Command))
	copy(out, s.Command)
	for i := 0; i < len(out)-1; i++ {
		if _, ok := secretFlags[out[i]]; ok && out[i+1] != "" {
			out[i+1] = "****"
			i++
		}
	}
	return out
}
