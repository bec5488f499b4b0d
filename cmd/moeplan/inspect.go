package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moeplan/pkg/quant"
	"github.com/samcharles93/moeplan/pkg/shard"
)

func inspectCmd() *cli.Command {
	var (
		shardPath string
		sources   []string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a .msh shard and check reconstruction error",
		ArgsUsage: "[shard.msh]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "shard",
				Aliases:     []string{"s"},
				Usage:       "path to .msh file",
				Destination: &shardPath,
			},
			&cli.StringSliceFlag{
				Name:        "source",
				Usage:       "original values to compare against, matched to tensors by name; repeatable",
				Destination: &sources,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if shardPath == "" {
				shardPath = cmd.Args().First()
			}
			if shardPath == "" {
				return errors.New("inspect: shard path is required")
			}
			return inspectShard(os.Stdout, shardPath, sources)
		},
	}
}

// inspectShard prints the shard info and one row per tensor. Tensors with a
// matching source file also report the max reconstruction error.
func inspectShard(w io.Writer, path string, sources []string) error {
	f, err := shard.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Info()
	if err != nil {
		return err
	}
	records, err := f.Tensors()
	if err != nil {
		return err
	}

	originals, err := loadInputs(sources)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	bySource := make(map[string]inputTensor, len(originals))
	for _, o := range originals {
		bySource[o.Name] = o
	}

	_, _ = fmt.Fprintf(w, "file:     %s\n", path)
	_, _ = fmt.Fprintf(w, "version:  %d.%d\n", f.Header.Major, f.Header.Minor)
	if info.NodeID != "" || info.Device != "" {
		_, _ = fmt.Fprintf(w, "node:     %s (%s)\n", orDash(info.NodeID), orDash(info.Device))
	}
	if info.Producer != "" {
		_, _ = fmt.Fprintf(w, "producer: %s\n", info.Producer)
	}
	_, _ = fmt.Fprintf(w, "tensors:  %d\n\n", len(records))

	table := newTable(w, "NAME", "PRECISION", "SHAPE", "SCALE", "ZERO POINT", "BYTES", "MAX ERROR")
	for _, r := range records {
		maxErr := "-"
		if src, ok := bySource[r.Name]; ok {
			e, err := reconstructionError(f, r.Name, src)
			if err != nil {
				return err
			}
			maxErr = strconv.FormatFloat(e, 'g', 6, 64)
		}
		table.Append([]string{
			r.Name,
			r.Precision.String(),
			formatShape(r.Shape),
			strconv.FormatFloat(r.Scale, 'g', 6, 64),
			strconv.Itoa(r.ZeroPoint),
			strconv.FormatUint(r.DataSize, 10),
			maxErr,
		})
	}
	table.Render()
	return nil
}

func reconstructionError(f *shard.File, name string, src inputTensor) (float64, error) {
	t, err := f.Tensor(name)
	if err != nil {
		return 0, err
	}
	back, err := quant.Dequantize(t.QuantTensor)
	if err != nil {
		return 0, fmt.Errorf("inspect: %s: %w", name, err)
	}
	if len(src.Values) != len(back) {
		return 0, fmt.Errorf("inspect: %s has %d values, tensor %q has %d", src.Source, len(src.Values), name, len(back))
	}
	return quant.MaxAbsError(src.Values, back), nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
