package planner

import (
	"context"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/tensor"
)

// Plan is the serialisable deployment plan. It carries no timestamps or
// generated ids so identical input encodes to identical bytes.
type Plan struct {
	Model   ModelSummary   `json:"model"`
	Cluster ClusterSummary `json:"cluster"`
	Experts []ExpertDetail `json:"experts"`
}

type ModelSummary struct {
	Config       ModelConfig       `json:"config"`
	Quantization QuantSummary      `json:"quantization"`
	Router       tensor.Descriptor `json:"router"`
}

type ModelConfig struct {
	TotalExperts  int `json:"total_experts"`
	ActiveExperts int `json:"active_experts"`
	ExpertDim     int `json:"expert_dim"`
	SharedDim     int `json:"shared_dim"`
	HiddenDim     int `json:"hidden_dim"`
}

type QuantSummary struct {
	ExpertPrecision       precision.Kind `json:"expert_precision"`
	RouterPrecision       precision.Kind `json:"router_precision"`
	BytesPerExpertElement float64        `json:"bytes_per_expert_element"`
}

type ClusterSummary struct {
	Nodes             []NodeRecord `json:"nodes"`
	TotalMemoryUsed   uint64       `json:"total_memory_used"`
	TotalMemoryBudget uint64       `json:"total_memory_budget"`
}

// NodeRecord is the per-node utilization line of a plan.
type NodeRecord struct {
	NodeID            string   `json:"node_id"`
	Device            string   `json:"device"`
	MemoryBudgetBytes uint64   `json:"memory_budget_bytes"`
	MemoryUsedBytes   uint64   `json:"memory_used_bytes"`
	MemoryUtilization float64  `json:"memory_utilization"`
	OverBudget        bool     `json:"over_budget"`
	ExpertCount       int      `json:"expert_count"`
	Experts           []string `json:"experts"`
}

// ExpertDetail is emitted once per assignment, so an expert placed on two
// nodes appears twice.
type ExpertDetail struct {
	ID         string               `json:"id"`
	Node       string               `json:"node"`
	Device     string               `json:"device"`
	Tensors    tensor.ExpertTensors `json:"tensors"`
	TotalBytes uint64               `json:"total_bytes"`
}

// Plan allocates nodes and assembles the deployment plan.
func (p *Planner) Plan(ctx context.Context, nodes []NodeSpec, reg *Registry) (*Plan, error) {
	allocs, err := p.Allocate(ctx, nodes, reg)
	if err != nil {
		return nil, err
	}
	return Assemble(p.cfg, allocs), nil
}

// Assemble builds a plan from finished allocations, keeping their order.
func Assemble(cfg model.Config, allocs []NodeAllocation) *Plan {
	plan := &Plan{
		Model: ModelSummary{
			Config: ModelConfig{
				TotalExperts:  cfg.TotalExperts,
				ActiveExperts: cfg.ActiveExperts,
				ExpertDim:     cfg.ExpertDim,
				SharedDim:     cfg.SharedDim,
				HiddenDim:     cfg.HiddenDim,
			},
			Quantization: QuantSummary{
				ExpertPrecision:       cfg.ExpertPrecision,
				RouterPrecision:       cfg.RouterPrecision,
				BytesPerExpertElement: cfg.ExpertPrecision.BytesPerElement(),
			},
			Router: model.BuildRouter(cfg).Descriptor(),
		},
		Cluster: ClusterSummary{Nodes: make([]NodeRecord, 0, len(allocs))},
		Experts: []ExpertDetail{},
	}

	for i := range allocs {
		a := &allocs[i]
		plan.Cluster.Nodes = append(plan.Cluster.Nodes, NodeRecord{
			NodeID:            a.NodeID,
			Device:            a.Device,
			MemoryBudgetBytes: a.MemoryBudgetBytes,
			MemoryUsedBytes:   a.MemoryUsedBytes,
			MemoryUtilization: a.Utilization(),
			OverBudget:        a.OverBudget(),
			ExpertCount:       len(a.Experts),
			Experts:           append([]string{}, a.Experts...),
		})
		plan.Cluster.TotalMemoryUsed += a.MemoryUsedBytes
		plan.Cluster.TotalMemoryBudget += a.MemoryBudgetBytes

		for _, id := range a.Experts {
			e := model.BuildExpert(id, cfg)
			plan.Experts = append(plan.Experts, ExpertDetail{
				ID:         id,
				Node:       a.NodeID,
				Device:     a.Device,
				Tensors:    e.Breakdown(),
				TotalBytes: e.TotalBytes(),
			})
		}
	}
	return plan
}

// Marshal encodes the plan as indented JSON with a trailing newline.
func Marshal(plan *Plan) ([]byte, error) {
	b, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Encode writes Marshal's output to w.
func Encode(w io.Writer, plan *Plan) error {
	b, err := Marshal(plan)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads a plan previously written by Encode.
func Decode(r io.Reader) (*Plan, error) {
	var plan Plan
	if err := json.NewDecoder(r).Decode(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
