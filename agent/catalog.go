package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative form of an agent, as loaded from a catalog file.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Voice       string   `yaml:"voice,omitempty" json:"voice,omitempty"`
	Temperature float32  `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Tools       []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Greetings   struct {
		Entry  string `yaml:"entry,omitempty" json:"entry,omitempty"`
		Return string `yaml:"return,omitempty" json:"return,omitempty"`
	} `yaml:"greetings,omitempty" json:"greetings,omitempty"`
}

// Catalog is a file holding several agent definitions.
type Catalog struct {
	Agents []Definition `yaml:"agents" json:"agents"`
}

// LoadCatalogFile reads a catalog; the format follows the file extension (.yaml, .yml, .json).
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	format := detectFormat(path)
	if format == "" {
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}
	return LoadCatalog(data, format)
}

// LoadCatalog parses raw bytes in the given format ("yaml" or "json").
func LoadCatalog(data []byte, format string) (*Catalog, error) {
	var c Catalog
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q, use \"yaml\" or \"json\"", format)
	}
	return &c, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
