package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moeplan/internal/config"
	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/internal/planner"
)

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show model dimensions, precisions and memory footprint",
		Flags: []cli.Flag{runtimeConfigFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPlanConfig(cmd, LoadConfig())
			rt, err := config.Load(runtimeConfigPath)
			if err != nil {
				return err
			}
			printModelInfo(os.Stdout, rt.Model)
			return nil
		},
	}
}

func printModelInfo(w io.Writer, cfg model.Config) {
	fp := model.ComputeFootprint(cfg)

	table := newTable(w)
	table.AppendBulk([][]string{
		{"Experts", fmt.Sprintf("%d (%d active)", cfg.TotalExperts, cfg.ActiveExperts)},
		{"Layers", strconv.Itoa(cfg.NumLayers)},
		{"Expert dim", strconv.Itoa(cfg.ExpertDim)},
		{"Shared dim", strconv.Itoa(cfg.SharedDim)},
		{"Hidden dim", strconv.Itoa(cfg.HiddenDim)},
		{"Vocab size", strconv.Itoa(cfg.VocabSize)},
		{"Expert precision", cfg.ExpertPrecision.String()},
		{"Router precision", cfg.RouterPrecision.String()},
		{"Shared precision", cfg.SharedPrecision.String()},
		{"Per expert", planner.FormatMemory(fp.PerExpertBytes)},
		{"All experts", planner.FormatMemory(fp.AllExpertsBytes)},
		{"Router", planner.FormatMemory(fp.RouterBytes)},
		{"Total", planner.FormatMemory(fp.TotalBytes)},
	})
	table.Render()
}
