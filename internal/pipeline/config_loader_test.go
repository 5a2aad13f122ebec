package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	testCases := []struct {
		name      string
		file      string
		content   string
		expect    Config
		expectErr string
	}{
		{
			name: "YAML",
			file: "train.yaml",
			content: `model_name: openai/whisper-small
output_dir: small
max_steps: 20
learning_rate: 0.0002
do_merge: true
`,
			expect: Config{ModelName: "openai/whisper-small", OutputDir: "small", MaxSteps: 20, LearningRate: 0.0002, DoMerge: true},
		},
		{
			name:    "JSON",
			file:    "train.json",
			content: `{"do_upload": true, "hf_repo_id": "me/model", "per_device_train_batch_size": 4}`,
			expect:  Config{DoUpload: true, HFRepoID: "me/model", BatchSize: 4},
		},
		{
			name:      "Unknown key",
			file:      "typo.yaml",
			content:   "max_step: 10\n",
			expectErr: "max_step",
		},
		{
			name:      "Empty document",
			file:      "empty.yaml",
			content:   "",
			expectErr: "empty config",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfigFile(writeFile(t, tc.file, tc.content))
			if tc.expectErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.expectErr) {
					t.Fatalf("expected error containing %q, got %v", tc.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfigFile: %v", err)
			}
			if cfg != tc.expect {
				t.Errorf("got %+v, want %+v", cfg, tc.expect)
			}
		})
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestModelsReturnsCopy(t *testing.T) {
	models := Models()
	if len(models) == 0 {
		t.Fatal("no models")
	}
	models[0] = "changed"
	if Models()[0] == "changed" {
		t.Error("Models exposes its backing slice")
	}
}
