// Command load-yolov8 loads a YOLOv8 model configuration, prints diagnostics
// about the model and saves it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/born-ml/yolov8/internal/cmdutil"
	"github.com/born-ml/yolov8/internal/inspect"
)

var logger = loggo.GetLogger("yolov8.load")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		opts       inspect.LoadOptions
		save       bool
		outputDir  string
		name       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "load-yolov8",
		Short:        "Load a YOLOv8 model configuration, describe it and save it",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cmdutil.SetupLogging(cmd.ErrOrStderr(), logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Out = cmd.OutOrStdout()
			model, err := inspect.Load(configPath, opts)
			if err != nil {
				logger.Errorf("loading model: %v", err)
				return err
			}
			if !save {
				return nil
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			_, err = inspect.Save(model, outputDir, name)
			if err != nil {
				logger.Errorf("%v", err)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "cfg/models/v8/yolov8_cbam.yaml", "Model configuration file")
	cmd.Flags().StringVar(&opts.SearchRoot, "search-root", ".", "Directory searched when the configuration is missing")
	cmd.Flags().BoolVar(&opts.Verbose, "verbose", true, "Print model diagnostics")
	cmd.Flags().BoolVar(&save, "save", true, "Save the loaded model")
	cmd.Flags().StringVar(&outputDir, "output", "exported_models", "Directory for the saved model")
	cmd.Flags().StringVar(&name, "name", "yolov8_loaded_cbam.born", "File name of the saved model")
	cmd.Flags().StringVar(&logLevel, "log-level", cmdutil.DefaultLogLevel, "Log level (TRACE, DEBUG, INFO, WARNING, ERROR)")

	return cmd
}
