package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/version"
	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/quant"
	"github.com/samcharles93/moeplan/pkg/shard"
)

type quantizeOptions struct {
	Inputs    []string
	Output    string
	Precision precision.Kind
	NodeID    string
	Device    string
	Workers   int
}

func quantizeCmd() *cli.Command {
	var (
		inputs   []string
		outPath  string
		precName string
		nodeID   string
		device   string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize float32 tensors into a .msh shard",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "tensor values (.json array, .safetensors or raw little-endian float32); repeatable",
				Required:    true,
				Destination: &inputs,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "shard output path (default: <input>.<precision>.msh)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "precision",
				Aliases:     []string{"p"},
				Usage:       "target precision (" + strings.Join(precision.Names(), ", ") + ")",
				Value:       precision.Int4.String(),
				Destination: &precName,
			},
			&cli.StringFlag{
				Name:        "node",
				Usage:       "node id recorded in the shard info",
				Destination: &nodeID,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "device recorded in the shard info",
				Destination: &device,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "parallel quantization workers (0 = GOMAXPROCS)",
				Destination: &workers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := precision.Parse(precName)
			if err != nil {
				return err
			}
			out, err := resolveOut(outPath, defaultShardPath(inputs[0], p))
			if err != nil {
				return err
			}
			return runQuantize(ctx, quantizeOptions{
				Inputs:    inputs,
				Output:    out,
				Precision: p,
				NodeID:    nodeID,
				Device:    device,
				Workers:   int(workers),
			})
		},
	}
}

// runQuantize quantizes every input tensor and writes them, in input order,
// to a single shard.
func runQuantize(ctx context.Context, opts quantizeOptions) error {
	if len(opts.Inputs) == 0 {
		return errors.New("quantize: at least one input is required")
	}
	log := logger.FromContext(ctx)

	inputs, err := loadInputs(opts.Inputs)
	if err != nil {
		return fmt.Errorf("quantize: %w", err)
	}
	batches := make([][]float32, len(inputs))
	for i, in := range inputs {
		batches[i] = in.Values
	}

	qts, err := quant.QuantizeBatch(ctx, batches, opts.Precision, opts.Workers)
	if err != nil {
		return fmt.Errorf("quantize: %w", err)
	}

	tensors := make([]shard.Tensor, len(qts))
	for i, qt := range qts {
		name := inputs[i].Name
		tensors[i] = shard.Tensor{Name: name, Shape: inputs[i].Shape, QuantTensor: qt}

		back, err := quant.Dequantize(qt)
		if err != nil {
			return fmt.Errorf("quantize: %s: %w", name, err)
		}
		log.Info("tensor quantized",
			"name", name,
			"precision", qt.Precision.String(),
			"count", qt.Count,
			"scale", qt.Scale,
			"zero_point", qt.ZeroPoint,
			"bytes", len(qt.Data),
			"max_abs_error", quant.MaxAbsError(batches[i], back),
		)
	}

	info := shard.Info{
		NodeID:   opts.NodeID,
		Device:   opts.Device,
		Source:   strings.Join(opts.Inputs, ","),
		Producer: "moeplan " + version.String(),
	}
	if err := shard.WriteFile(opts.Output, info, tensors); err != nil {
		return err
	}
	log.Info("shard written", "path", opts.Output, "tensors", len(tensors))
	return nil
}
