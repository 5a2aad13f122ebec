package pipeline

// supportedModels are the base checkpoints the training script knows how to
// fine-tune.
var supportedModels = []string{
	"openai/whisper-tiny",
	"openai/whisper-base",
	"openai/whisper-small",
	"openai/whisper-medium",
	"openai/whisper-large-v2",
	"openai/whisper-large-v3",
}

// Models returns a copy of the supported base model names.
func Models() []string {
	out := make([]string, len(supportedModels))
	copy(out, supportedModels)
	return out
}
