package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/moeplan/internal/export"
	"github.com/samcharles93/moeplan/pkg/precision"
)

// defaultPlanPath maps runtime.json to runtime.plan.json next to it.
func defaultPlanPath(configPath string) string {
	return trimExt(configPath) + ".plan.json"
}

// defaultShardPath maps values.json to values.int4.msh next to it.
func defaultShardPath(input string, p precision.Kind) string {
	return trimExt(input) + "." + p.String() + ".msh"
}

func defaultExportPath(f export.Format) string {
	return "export_" + string(f) + ".json"
}

// tensorName derives a tensor name from an input path.
func tensorName(input string) string {
	return filepath.Base(trimExt(input))
}

func trimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// resolveOut returns the cleaned output path, falling back to def, and makes
// sure its directory exists.
func resolveOut(out, def string) (string, error) {
	if strings.TrimSpace(out) == "" {
		out = def
	}
	out = filepath.Clean(out)
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
	}
	return out, nil
}
