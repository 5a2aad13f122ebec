package pipeline

import (
	"fmt"
	"strings"
)

type StageDefinition struct {
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Description string   `json:"description"`
	Required    []string `json:"required"`
}

type StageRegistry struct {
	Stages    []StageDefinition
	stagesMap map[string]StageDefinition
}

var defaultStages = []StageDefinition{
	{
		Name:        StageTraining,
		Module:      "backend.scripts.train_lora",
		Description: "Fine-tune LoRA adapters on the dataset bucket.",
		Required:    []string{"model_name", "output_dir"},
	},
	{
		Name:        StageMerging,
		Module:      "backend.scripts.merge_lora",
		Description: "Merge the LoRA adapters into the base model.",
		Required:    []string{"output_dir"},
	},
	{
		Name:        StageConverting,
		Module:      "backend.scripts.convert_ct2",
		Description: "Convert the merged model to CTranslate2 (float16).",
		Required:    []string{"output_dir"},
	},
	{
		Name:        StageUploading,
		Module:      "backend.scripts.upload_hf",
		Description: "Publish the most processed artifact to the Hugging Face Hub.",
		Required:    []string{"hf_repo_id"},
	},
}

func NewStageRegistry(stages []StageDefinition) *StageRegistry {
	stagesMap := make(map[string]StageDefinition, len(stages))
	for _, s := range stages {
		stagesMap[s.Name] = s
	}
	return &StageRegistry{Stages: stages, stagesMap: stagesMap}
}

// DefaultRegistry describes the four fine-tuning stages.
func DefaultRegistry() *StageRegistry {
	return NewStageRegistry(defaultStages)
}

// Returns the definition for a specific stage
func (r *StageRegistry) GetDefinition(stage string) (StageDefinition, bool) {
	def, found := r.stagesMap[stage]
	return def, found
}

// Checks that a config carries every field the stage requires
func (r *StageRegistry) Validate(stage string, cfg Config) error {
	def, found := r.GetDefinition(stage)
	if !found {
		return &ConfigurationError{Stage: stage, Reason: fmt.Sprintf("stage '%s' is not defined in the registry", stage)}
	}
	for _, key := range def.Required {
		if strings.TrimSpace(cfg.field(key)) == "" {
			return &ConfigurationError{Stage: stage, Field: key, Reason: "is required"}
		}
	}
	return nil
}

// Describe renders the registry for the CLI.
func (r *StageRegistry) Describe() string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE STAGES:\n")
	for _, s := range r.Stages {
		sb.WriteString(fmt.Sprintf("- `%s` (%s): %s Requires: `[%s]`.\n",
			s.Name, s.Module, s.Description, strings.Join(s.Required, ", ")))
	}
	return sb.String()
}
