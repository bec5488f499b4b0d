// Package config loads the runtime configuration that describes the model,
// the cluster and the expert registry.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/internal/planner"
	"github.com/samcharles93/moeplan/pkg/precision"
)

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("config file not found")

// Runtime is a parsed and defaulted runtime configuration.
type Runtime struct {
	Model      model.Config
	Nodes      []planner.NodeSpec
	Categories []planner.Category
}

// Registry builds the ordered expert registry from the categories.
func (r *Runtime) Registry() *planner.Registry {
	return planner.NewRegistry(r.Categories)
}

type fileConfig struct {
	Model          fileModel    `yaml:"model"`
	Cluster        fileCluster  `yaml:"cluster"`
	ExpertRegistry fileRegistry `yaml:"expertRegistry"`
}

type fileModel struct {
	TotalExperts  *int `yaml:"totalExperts"`
	ActiveExperts *int `yaml:"activeExperts"`
	Layers        *int `yaml:"layers"`
	Dimensions    struct {
		Expert *int `yaml:"expert"`
		Shared *int `yaml:"shared"`
		Hidden *int `yaml:"hidden"`
		Vocab  *int `yaml:"vocab"`
	} `yaml:"dimensions"`
	Quantization struct {
		ExpertPrecision string `yaml:"expertPrecision"`
		RouterPrecision string `yaml:"routerPrecision"`
		SharedPrecision string `yaml:"sharedPrecision"`
	} `yaml:"quantization"`
}

type fileCluster struct {
	Nodes []fileNode `yaml:"nodes"`
}

type fileNode struct {
	ID  string `yaml:"id"`
	GPU struct {
		Device string `yaml:"device"`
		Memory string `yaml:"memory"`
	} `yaml:"gpu"`
	Experts []string `yaml:"experts"`
}

type fileRegistry struct {
	Categories Categories `yaml:"categories"`
}

// Categories decodes the category map while keeping declaration order. A
// list of {name, experts} entries is accepted as well.
type Categories []planner.Category

func (c *Categories) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(Categories, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var body struct {
				Experts []string `yaml:"experts"`
			}
			if err := node.Content[i+1].Decode(&body); err != nil {
				return fmt.Errorf("category %q: %w", node.Content[i].Value, err)
			}
			out = append(out, planner.Category{Name: node.Content[i].Value, Experts: body.Experts})
		}
		*c = out
		return nil
	case yaml.SequenceNode:
		var list []planner.Category
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("line %d: categories must be a mapping or a list", node.Line)
	}
}

// Load reads and parses the configuration at path.
func Load(path string) (*Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	rt, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rt, nil
}

// Parse decodes a JSON or YAML configuration and applies defaults.
func Parse(data []byte) (*Runtime, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		// yaml rejects tab indentation that JSON allows. Input that is not
		// JSON may still be a yaml flow mapping, so it is passed through.
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			trimmed = buf.Bytes()
		}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(trimmed, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.runtime()
}

func (fc *fileConfig) runtime() (*Runtime, error) {
	cfg := model.DefaultConfig()
	m := fc.Model
	setInt(&cfg.TotalExperts, m.TotalExperts)
	setInt(&cfg.ActiveExperts, m.ActiveExperts)
	setInt(&cfg.NumLayers, m.Layers)
	setInt(&cfg.ExpertDim, m.Dimensions.Expert)
	setInt(&cfg.SharedDim, m.Dimensions.Shared)
	setInt(&cfg.HiddenDim, m.Dimensions.Hidden)
	setInt(&cfg.VocabSize, m.Dimensions.Vocab)

	precisions := []struct {
		key string
		val string
		dst *precision.Kind
	}{
		{"expertPrecision", m.Quantization.ExpertPrecision, &cfg.ExpertPrecision},
		{"routerPrecision", m.Quantization.RouterPrecision, &cfg.RouterPrecision},
		{"sharedPrecision", m.Quantization.SharedPrecision, &cfg.SharedPrecision},
	}
	for _, p := range precisions {
		if p.val == "" {
			continue
		}
		k, err := precision.Parse(p.val)
		if err != nil {
			return nil, fmt.Errorf("model.quantization.%s: %w", p.key, err)
		}
		*p.dst = k
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nodes := make([]planner.NodeSpec, 0, len(fc.Cluster.Nodes))
	for _, n := range fc.Cluster.Nodes {
		spec := planner.NodeSpec{
			ID:       n.ID,
			Device:   n.GPU.Device,
			Memory:   n.GPU.Memory,
			Patterns: append([]string{}, n.Experts...),
		}
		if spec.ID == "" {
			spec.ID = planner.DefaultNodeID
		}
		if spec.Device == "" {
			spec.Device = planner.DefaultDevice
		}
		if spec.Memory == "" {
			spec.Memory = planner.DefaultMemory
		}
		nodes = append(nodes, spec)
	}

	return &Runtime{
		Model:      cfg,
		Nodes:      nodes,
		Categories: []planner.Category(fc.ExpertRegistry.Categories),
	}, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
