package model

import (
	"fmt"
	"math/bits"

	"github.com/samcharles93/moeplan/pkg/tensor"
)

// Footprint summarises the memory a full model needs at the configured
// precisions.
type Footprint struct {
	PerExpertBytes  uint64 `json:"per_expert_bytes"`
	AllExpertsBytes uint64 `json:"all_experts_bytes"`
	RouterBytes     uint64 `json:"router_bytes"`
	TotalBytes      uint64 `json:"total_bytes"`
}

// ComputeFootprint sizes TotalExperts experts plus the router. Every expert
// has the same layout so one sample is enough.
func ComputeFootprint(cfg Config) Footprint {
	per := BuildExpert("sample", cfg).TotalBytes()
	all := per * uint64(max(cfg.TotalExperts, 0))
	router := BuildRouter(cfg).SizeBytes()
	return Footprint{
		PerExpertBytes:  per,
		AllExpertsBytes: all,
		RouterBytes:     router,
		TotalBytes:      all + router,
	}
}

// CheckedFootprint is ComputeFootprint with overflow reported as
// tensor.ErrSizeOverflow.
func CheckedFootprint(cfg Config) (Footprint, error) {
	per, err := BuildExpert("sample", cfg).CheckedTotalBytes()
	if err != nil {
		return Footprint{}, err
	}
	hi, all := bits.Mul64(per, uint64(max(cfg.TotalExperts, 0)))
	if hi != 0 {
		return Footprint{}, fmt.Errorf("%d experts: %w", cfg.TotalExperts, tensor.ErrSizeOverflow)
	}
	router, err := BuildRouter(cfg).CheckedSizeBytes()
	if err != nil {
		return Footprint{}, err
	}
	total, carry := bits.Add64(all, router, 0)
	if carry != 0 {
		return Footprint{}, fmt.Errorf("model footprint: %w", tensor.ErrSizeOverflow)
	}
	return Footprint{
		PerExpertBytes:  per,
		AllExpertsBytes: all,
		RouterBytes:     router,
		TotalBytes:      total,
	}, nil
}
