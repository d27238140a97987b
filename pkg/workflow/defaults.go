package workflow

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults is the fallback lock policy applied when no workflow configuration
// row exists for a form. Loaded once at startup from a yaml file.
type Defaults struct {
	RequiresSDV       bool `yaml:"requires_sdv" json:"requires_sdv"`
	RequiresSignature bool `yaml:"requires_signature" json:"requires_signature"`
	RequiresDDE       bool `yaml:"requires_dde" json:"requires_dde"`
}

type defaultsFile struct {
	Defaults Defaults `yaml:"defaults"`
}

func LoadDefaults(path string) (Defaults, error) {
	if path == "" {
		return Defaults{}, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Defaults{}, err
	}

	var cfg defaultsFile
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Defaults{}, err
	}
	return cfg.Defaults, nil
}
