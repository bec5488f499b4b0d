package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moeplan/internal/config"
	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/planner"
)

func buildCmd() *cli.Command {
	var outPath string

	return &cli.Command{
		Name:  "build",
		Usage: "Allocate experts to nodes and write the deployment plan",
		Flags: append([]cli.Flag{
			runtimeConfigFlag(),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "plan output path (default: <config>.plan.json)",
				Destination: &outPath,
			},
		}, planFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPlanConfig(cmd, LoadConfig())
			opts, err := plannerOptions(ctx)
			if err != nil {
				return err
			}

			out, err := resolveOut(outPath, defaultPlanPath(runtimeConfigPath))
			if err != nil {
				return err
			}
			plan, err := buildPlan(ctx, runtimeConfigPath, out, opts)
			if err != nil {
				return err
			}
			fmt.Printf("plan written to %s\n\n", out)
			printPlanSummary(os.Stdout, plan)
			return nil
		},
	}
}

// plannerOptions turns the plan flags into planner options.
func plannerOptions(ctx context.Context) (planner.Options, error) {
	policy, err := planner.ParseBudgetPolicy(budgetPolicy)
	if err != nil {
		return planner.Options{}, err
	}
	if workers < 0 {
		return planner.Options{}, fmt.Errorf("workers must be >= 0, got %d", workers)
	}
	return planner.Options{
		Policy:  policy,
		Workers: int(workers),
		Logger:  logger.FromContext(ctx),
	}, nil
}

// buildPlan loads the runtime config at configPath, plans it and writes the
// encoded plan to out.
func buildPlan(ctx context.Context, configPath, out string, opts planner.Options) (*planner.Plan, error) {
	rt, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	p, err := planner.New(rt.Model, opts)
	if err != nil {
		return nil, err
	}
	plan, err := p.Plan(ctx, rt.Nodes, rt.Registry())
	if err != nil {
		return nil, err
	}

	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	if err := planner.Encode(f, plan); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write plan: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close plan: %w", err)
	}
	return plan, nil
}

func printPlanSummary(w io.Writer, plan *planner.Plan) {
	q := plan.Model.Quantization
	_, _ = fmt.Fprintf(w, "experts:    %d total, %d active\n", plan.Model.Config.TotalExperts, plan.Model.Config.ActiveExperts)
	_, _ = fmt.Fprintf(w, "precision:  experts=%s router=%s\n", q.ExpertPrecision, q.RouterPrecision)
	_, _ = fmt.Fprintf(w, "memory:     %s used of %s\n\n",
		planner.FormatMemory(plan.Cluster.TotalMemoryUsed),
		planner.FormatMemory(plan.Cluster.TotalMemoryBudget),
	)

	table := newTable(w, "NODE", "DEVICE", "EXPERTS", "USED", "BUDGET", "UTIL", "")
	for _, n := range plan.Cluster.Nodes {
		flag := ""
		if n.OverBudget {
			flag = "OVER BUDGET"
		}
		table.Append([]string{
			n.NodeID,
			n.Device,
			strconv.Itoa(n.ExpertCount),
			planner.FormatMemory(n.MemoryUsedBytes),
			planner.FormatMemory(n.MemoryBudgetBytes),
			fmt.Sprintf("%.2f%%", n.MemoryUtilization*100),
			flag,
		})
	}
	table.Render()
}
