// Package planner assigns experts to cluster nodes and sizes the memory each
// node needs.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/pkg/tensor"
)

// ErrOverBudget is returned under BudgetReject when a node needs more memory
// than it has.
var ErrOverBudget = errors.New("node over memory budget")

// Node defaults applied when the configuration leaves a field empty.
const (
	DefaultNodeID = "unknown"
	DefaultDevice = "cpu"
)

// BudgetPolicy decides what happens when a node's experts exceed its memory.
type BudgetPolicy uint8

const (
	// BudgetAllow reports utilization above 1.0 and nothing else.
	BudgetAllow BudgetPolicy = iota
	// BudgetWarn additionally logs a warning per over-budget node.
	BudgetWarn
	// BudgetReject fails planning on the first over-budget node.
	BudgetReject
)

var budgetPolicyNames = [...]string{
	BudgetAllow:  "allow",
	BudgetWarn:   "warn",
	BudgetReject: "reject",
}

func (p BudgetPolicy) String() string {
	if int(p) < len(budgetPolicyNames) {
		return budgetPolicyNames[p]
	}
	return fmt.Sprintf("BudgetPolicy(%d)", uint8(p))
}

// ParseBudgetPolicy accepts allow, warn or reject in any case. The empty
// string means allow.
func ParseBudgetPolicy(s string) (BudgetPolicy, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return BudgetAllow, nil
	}
	for i, name := range budgetPolicyNames {
		if v == name {
			return BudgetPolicy(i), nil
		}
	}
	return BudgetAllow, fmt.Errorf("planner: unknown budget policy %q", s)
}

// UnmarshalText lets the policy be read from yaml or flag values.
func (p *BudgetPolicy) UnmarshalText(b []byte) error {
	v, err := ParseBudgetPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// NodeSpec is one cluster node as declared in the runtime configuration.
type NodeSpec struct {
	ID       string
	Device   string
	Memory   string
	Patterns []string
}

// NodeAllocation is the result of placing experts on one node.
type NodeAllocation struct {
	NodeID            string
	Device            string
	MemoryBudgetBytes uint64
	MemoryUsedBytes   uint64
	Experts           []string
	// Unmatched lists patterns that selected no expert.
	Unmatched []string
}

// Utilization is used/budget, or 0 for a zero budget. It may exceed 1.
func (a *NodeAllocation) Utilization() float64 {
	if a.MemoryBudgetBytes == 0 {
		return 0
	}
	return float64(a.MemoryUsedBytes) / float64(a.MemoryBudgetBytes)
}

// OverBudget reports whether the assigned experts need more than the budget.
func (a *NodeAllocation) OverBudget() bool {
	return a.MemoryUsedBytes > a.MemoryBudgetBytes
}

// Options tunes a Planner.
type Options struct {
	Policy BudgetPolicy
	// Workers bounds concurrent per-node sizing. Zero means GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

// Planner places experts for one model configuration. It holds no state
// between calls and is safe for concurrent use.
type Planner struct {
	cfg  model.Config
	opts Options
	log  logger.Logger
}

// New validates cfg and returns a planner for it.
func New(cfg model.Config, opts Options) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Planner{cfg: cfg, opts: opts, log: log}, nil
}

// Config returns the model configuration the planner sizes experts with.
func (p *Planner) Config() model.Config { return p.cfg }

// Allocate expands every node's patterns against reg and sums the memory of
// the experts it receives. Nodes come back in input order. Budgets are never
// enforced unless the policy is BudgetReject.
func (p *Planner) Allocate(ctx context.Context, nodes []NodeSpec, reg *Registry) ([]NodeAllocation, error) {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	allocs := make([]NodeAllocation, len(nodes))
	for i, n := range nodes {
		mem := n.Memory
		if mem == "" {
			mem = DefaultMemory
		}
		budget, err := ParseMemory(mem)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nodeID(n), err)
		}
		allocs[i] = NodeAllocation{
			NodeID:            nodeID(n),
			Device:            nodeDevice(n),
			MemoryBudgetBytes: budget,
			Experts:           []string{},
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i := range nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return p.fill(&allocs[i], nodes[i].Patterns, reg)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := checkTotals(allocs); err != nil {
		return nil, err
	}

	for i := range allocs {
		a := &allocs[i]
		for _, pat := range a.Unmatched {
			p.log.Warn("pattern matched no experts", "node", a.NodeID, "pattern", pat)
		}
		p.log.Debug("node sized",
			"node", a.NodeID,
			"experts", len(a.Experts),
			"used_bytes", a.MemoryUsedBytes,
			"budget_bytes", a.MemoryBudgetBytes,
		)
		if !a.OverBudget() {
			continue
		}
		switch p.opts.Policy {
		case BudgetWarn:
			p.log.Warn("node over memory budget",
				"node", a.NodeID,
				"used", FormatMemory(a.MemoryUsedBytes),
				"budget", FormatMemory(a.MemoryBudgetBytes),
			)
		case BudgetReject:
			return nil, fmt.Errorf("%w: node %q needs %d bytes, has %d",
				ErrOverBudget, a.NodeID, a.MemoryUsedBytes, a.MemoryBudgetBytes)
		}
	}
	return allocs, nil
}

// fill writes only to a, so nodes can be sized concurrently.
func (p *Planner) fill(a *NodeAllocation, patterns []string, reg *Registry) error {
	for _, pat := range patterns {
		matched := reg.Expand(pat)
		if len(matched) == 0 {
			a.Unmatched = append(a.Unmatched, pat)
			continue
		}
		a.Experts = append(a.Experts, matched...)
	}
	for _, id := range a.Experts {
		n, err := model.BuildExpert(id, p.cfg).CheckedTotalBytes()
		if err != nil {
			return fmt.Errorf("node %q: %w", a.NodeID, err)
		}
		var carry uint64
		a.MemoryUsedBytes, carry = bits.Add64(a.MemoryUsedBytes, n, 0)
		if carry != 0 {
			return fmt.Errorf("node %q: memory used: %w", a.NodeID, tensor.ErrSizeOverflow)
		}
	}
	return nil
}

// checkTotals ensures the cluster-wide sums reported by Assemble fit in 64
// bits.
func checkTotals(allocs []NodeAllocation) error {
	var used, budget, carry uint64
	for i := range allocs {
		used, carry = bits.Add64(used, allocs[i].MemoryUsedBytes, 0)
		if carry != 0 {
			return fmt.Errorf("total memory used: %w", tensor.ErrSizeOverflow)
		}
		budget, carry = bits.Add64(budget, allocs[i].MemoryBudgetBytes, 0)
		if carry != 0 {
			return fmt.Errorf("total memory budget: %w", tensor.ErrSizeOverflow)
		}
	}
	return nil
}

func nodeID(n NodeSpec) string {
	if n.ID == "" {
		return DefaultNodeID
	}
	return n.ID
}

func nodeDevice(n NodeSpec) string {
	if n.Device == "" {
		return DefaultDevice
	}
	return n.Device
}
