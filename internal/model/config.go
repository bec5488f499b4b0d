// Package model describes the expert layout of an atomic mixture-of-experts
// model and builds the tensor specs each expert is made of.
package model

import (
	"fmt"

	"github.com/samcharles93/moeplan/pkg/precision"
)

// Default hyperparameters applied when a configuration omits a value.
const (
	DefaultTotalExperts  = 108
	DefaultActiveExperts = 4
	DefaultExpertDim     = 512
	DefaultSharedDim     = 1024
	DefaultHiddenDim     = 2048
	DefaultVocabSize     = 32000
	DefaultNumLayers     = 12

	DefaultExpertPrecision = precision.Int8
	DefaultRouterPrecision = precision.FP16
	DefaultSharedPrecision = precision.FP16
)

// Config holds the scalar hyperparameters and precision choices of the
// model. It is built once from the runtime configuration and treated as
// read-only afterwards.
type Config struct {
	TotalExperts  int
	ActiveExperts int
	ExpertDim     int
	SharedDim     int
	HiddenDim     int
	VocabSize     int
	NumLayers     int

	ExpertPrecision precision.Kind
	RouterPrecision precision.Kind
	SharedPrecision precision.Kind
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TotalExperts:    DefaultTotalExperts,
		ActiveExperts:   DefaultActiveExperts,
		ExpertDim:       DefaultExpertDim,
		SharedDim:       DefaultSharedDim,
		HiddenDim:       DefaultHiddenDim,
		VocabSize:       DefaultVocabSize,
		NumLayers:       DefaultNumLayers,
		ExpertPrecision: DefaultExpertPrecision,
		RouterPrecision: DefaultRouterPrecision,
		SharedPrecision: DefaultSharedPrecision,
	}
}

// Validate rejects dimensions that cannot describe a tensor and models
// whose byte footprint does not fit in 64 bits.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"totalExperts", c.TotalExperts},
		{"dimensions.expert", c.ExpertDim},
		{"dimensions.shared", c.SharedDim},
		{"dimensions.hidden", c.HiddenDim},
	}
	for _, ch := range positive {
		if ch.v <= 0 {
			return fmt.Errorf("model: %s must be > 0, got %d", ch.name, ch.v)
		}
	}
	nonNegative := []struct {
		name string
		v    int
	}{
		{"activeExperts", c.ActiveExperts},
		{"dimensions.vocab", c.VocabSize},
		{"layers", c.NumLayers},
	}
	for _, ch := range nonNegative {
		if ch.v < 0 {
			return fmt.Errorf("model: %s must be >= 0, got %d", ch.name, ch.v)
		}
	}
	if c.ActiveExperts > c.TotalExperts {
		return fmt.Errorf("model: activeExperts (%d) exceeds totalExperts (%d)", c.ActiveExperts, c.TotalExperts)
	}
	for _, p := range []precision.Kind{c.ExpertPrecision, c.RouterPrecision, c.SharedPrecision} {
		if !p.Valid() {
			return fmt.Errorf("model: %w: %d", precision.ErrUnknown, uint8(p))
		}
	}
	if _, err := CheckedFootprint(c); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}
