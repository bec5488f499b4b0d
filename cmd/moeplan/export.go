package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moeplan/internal/config"
	"github.com/samcharles93/moeplan/internal/export"
	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/model"
)

func exportCmd() *cli.Command {
	var (
		format  string
		outPath string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write a safetensors or ONNX export manifest",
		Flags: []cli.Flag{
			runtimeConfigFlag(),
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "export format (onnx, safetensors)",
				Value:       string(export.FormatONNX),
				Destination: &format,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "manifest output path (default: export_<format>.json)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPlanConfig(cmd, LoadConfig())
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			rt, err := config.Load(runtimeConfigPath)
			if err != nil {
				return err
			}
			out, err := resolveOut(outPath, defaultExportPath(f))
			if err != nil {
				return err
			}
			if err := writeExport(out, f, rt.Model); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("export written", "format", string(f), "path", out)
			return nil
		},
	}
}

func writeExport(out string, f export.Format, cfg model.Config) error {
	manifest, err := export.Render(f, cfg)
	if err != nil {
		return err
	}
	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if err := export.Write(file, manifest); err != nil {
		_ = file.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	return file.Close()
}
