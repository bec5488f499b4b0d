package model

import (
	"strconv"

	"github.com/samcharles93/moeplan/pkg/tensor"
)

// Projection tensor name suffixes.
const (
	UpProj   = "up_proj"
	DownProj = "down_proj"
	GateProj = "gate_proj"

	RouterTensorName = "router.weight"
)

// BuildExpert returns the gated projection layout for one expert. It is a
// pure function of the id and config.
func BuildExpert(id string, cfg Config) tensor.Expert {
	p := cfg.ExpertPrecision
	gate := tensor.NewSpec(id+"."+GateProj, p, cfg.ExpertDim, cfg.HiddenDim)
	return tensor.Expert{
		ID:       id,
		UpProj:   tensor.NewSpec(id+"."+UpProj, p, cfg.ExpertDim, cfg.HiddenDim),
		DownProj: tensor.NewSpec(id+"."+DownProj, p, cfg.HiddenDim, cfg.ExpertDim),
		GateProj: &gate,
	}
}

// BuildRouter returns the router weight mapping shared space to per-expert
// scores.
func BuildRouter(cfg Config) tensor.Spec {
	return tensor.NewSpec(RouterTensorName, cfg.RouterPrecision, cfg.SharedDim, cfg.TotalExperts)
}

// BuildExperts builds every id in order.
func BuildExperts(ids []string, cfg Config) []tensor.Expert {
	out := make([]tensor.Expert, 0, len(ids))
	for _, id := range ids {
		out = append(out, BuildExpert(id, cfg))
	}
	return out
}

// SyntheticExpertIDs names experts expert-0 .. expert-(n-1), used when no
// registry is available.
func SyntheticExpertIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "expert-" + strconv.Itoa(i)
	}
	return out
}
