// Command export-yolov8 builds a YOLOv8 model from its configuration and
// exports it in one or more formats.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/yolov8/internal/cmdutil"
	"github.com/born-ml/yolov8/internal/export"
	"github.com/born-ml/yolov8/internal/yolo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		req      export.Request
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "export-yolov8",
		Short: "Build a YOLOv8 model from its configuration and export it",
		Long: "Build a YOLOv8 model from its configuration and export it.\n\n" +
			"The native format (born, alias pt) is written to <output>/yolov8<size>_local.born,\n" +
			"falling back to saving the first layer and then to saving after a placeholder\n" +
			"training pass. Other formats are written by the model and moved into <output>.",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cmdutil.SetupLogging(cmd.ErrOrStderr(), logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			outcomes, err := export.New().Run(cmd.Context(), req)
			if len(outcomes) > 0 {
				printOutcomes(cmd.OutOrStdout(), outcomes)
			}
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if !o.OK() {
					failed++
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d formats failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ConfigPath, "config", "cfg/models/v8/yolov8.yaml", "Model configuration file")
	cmd.Flags().StringVar(&req.Size, "size", yolo.DefaultScale, "Model size (n, s, m, l, x)")
	cmd.Flags().StringSliceVar(&req.Formats, "format", []string{export.FormatNative}, "Export formats in order (born, pt, onnx, safetensors)")
	cmd.Flags().StringVar(&req.OutputDir, "output", "exported_models", "Directory for exported files")
	cmd.Flags().IntVar(&req.ImgSize, "imgsz", yolo.DefaultImgSize, "Input image size for graph exports")
	cmd.Flags().StringVar(&logLevel, "log-level", cmdutil.DefaultLogLevel, "Log level (TRACE, DEBUG, INFO, WARNING, ERROR)")

	return cmd
}

func printOutcomes(w io.Writer, outcomes []export.Outcome) {
	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("FORMAT", "STATUS", "PATH", "SIZE")
	for _, o := range outcomes {
		if !o.OK() {
			table.AddRow(o.Format, "failed", o.Err.Error(), "-")
			continue
		}
		status := "ok"
		if o.Strategy != "" {
			status = fmt.Sprintf("ok (%s)", o.Strategy)
		}
		size := "-"
		if info, err := os.Stat(o.Path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		table.AddRow(o.Format, status, o.Path, size)
	}
	fmt.Fprintln(w, table)
}
