package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tuner/internal/config"
	"tuner/internal/display"
	"tuner/internal/pipeline"
)

const requestTimeout = 15 * time.Second

var (
	configFile string
	statusLogs int
	statusJSON bool
	histLimit  int
)

// overrides are the config fields settable from the command line. They win
// over the config file, but only when given.
var overrides pipeline.Config

func addConfigFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "file", "f", "", "YAML training config")
	fs.StringVar(&overrides.ModelName, "model", "", "base model name")
	fs.StringVar(&overrides.BucketName, "bucket", "", "dataset bucket")
	fs.StringVar(&overrides.OutputDir, "output-dir", "", "output directory under model_output/")
	fs.IntVar(&overrides.MaxSteps, "max-steps", 0, "training steps")
	fs.IntVar(&overrides.EvalSteps, "eval-steps", 0, "evaluate every N steps")
	fs.Float64Var(&overrides.LearningRate, "learning-rate", 0, "learning rate")
	fs.IntVar(&overrides.BatchSize, "batch-size", 0, "per-device train batch size")
	fs.BoolVar(&overrides.DoMerge, "merge", false, "merge the adapters into the base model")
	fs.BoolVar(&overrides.DoConvert, "convert", false, "convert the merged model to CTranslate2")
	fs.BoolVar(&overrides.DoUpload, "upload", false, "upload the result to the Hugging Face Hub")
	fs.StringVar(&overrides.HFRepoID, "hf-repo", "", "Hub repository id")
}

func requestedConfig(fs *pflag.FlagSet) (pipeline.Config, error) {
	var cfg pipeline.Config
	if configFile != "" {
		var err error
		if cfg, err = pipeline.LoadConfigFile(configFile); err != nil {
			return cfg, err
		}
	}
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("model", func() { cfg.ModelName = overrides.ModelName })
	set("bucket", func() { cfg.BucketName = overrides.BucketName })
	set("output-dir", func() { cfg.OutputDir = overrides.OutputDir })
	set("max-steps", func() { cfg.MaxSteps = overrides.MaxSteps })
	set("eval-steps", func() { cfg.EvalSteps = overrides.EvalSteps })
	set("learning-rate", func() { cfg.LearningRate = overrides.LearningRate })
	set("batch-size", func() { cfg.BatchSize = overrides.BatchSize })
	set("merge", func() { cfg.DoMerge = overrides.DoMerge })
	set("convert", func() { cfg.DoConvert = overrides.DoConvert })
	set("upload", func() { cfg.DoUpload = overrides.DoUpload })
	set("hf-repo", func() { cfg.HFRepoID = overrides.HFRepoID })
	return cfg, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pipeline on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requestedConfig(cmd.Flags())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		runID, err := c.Start(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Training started (run %s)\n", runID)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("Stop requested.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status and recent output",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		snap, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		fmt.Println(display.FormatStatus(snap, statusLogs))
		if snap.Metrics != nil && snap.Status.Terminal() {
			fmt.Print(display.FormatRunMetrics(snap.Metrics))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		runs, err := c.History(ctx, histLimit)
		if err != nil {
			return err
		}
		fmt.Println(display.FormatHistory(runs))
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the base models the server accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		models, err := c.Models(ctx)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	},
}

// plan builds the pipeline locally without touching the server, so a config
// can be checked before it is submitted.
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate a config and print the steps it would run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requestedConfig(cmd.Flags())
		if err != nil {
			return err
		}
		settings, err := config.Load()
		if err != nil {
			return err
		}
		b := pipeline.NewBuilder(settings.Python, settings.Store)
		steps, err := b.Build(settings.ApplyHubDefaults(cfg))
		if err != nil {
			fmt.Println(b.Registry.Describe())
			return err
		}
		fmt.Println(display.FormatPipeline(steps))
		return nil
	},
}

func init() {
	addConfigFlags(startCmd.Flags())
	addConfigFlags(planCmd.Flags())
	statusCmd.Flags().IntVarP(&statusLogs, "logs", "n", 20, "number of log lines to show (-1 for all)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status document")
	historyCmd.Flags().IntVar(&histLimit, "limit", 20, "number of runs to list")
}
