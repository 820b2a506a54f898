package llm

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/deckcheck.yaml
var defaultPromptSet []byte

// PromptSet holds the instructions for one analysis conversation.
type PromptSet struct {
	Version string `yaml:"version"`
	// Temperature is nil when the file leaves it out; zero is a valid setting.
	Temperature *float64 `yaml:"temperature"`
	System      string   `yaml:"system"`
	Counts      string   `yaml:"counts"`
	Extract     string   `yaml:"extract"`
}

const defaultTemperature = 0.8

// DefaultPromptSet returns the embedded prompt set.
func DefaultPromptSet() (PromptSet, error) {
	return parsePromptSet(defaultPromptSet, "embedded")
}

// LoadPromptSet reads a prompt set from path, or the embedded default when path is empty.
func LoadPromptSet(path string) (PromptSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPromptSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PromptSet{}, fmt.Errorf("read prompt set: %w", err)
	}
	return parsePromptSet(data, path)
}

func parsePromptSet(data []byte, origin string) (PromptSet, error) {
	var ps PromptSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return PromptSet{}, fmt.Errorf("parse prompt set %s: %w", origin, err)
	}
	if strings.TrimSpace(ps.System) == "" || strings.TrimSpace(ps.Counts) == "" || strings.TrimSpace(ps.Extract) == "" {
		return PromptSet{}, fmt.Errorf("prompt set %s: system, counts and extract are required", origin)
	}
	if ps.Temperature == nil {
		t := defaultTemperature
		ps.Temperature = &t
	}
	if *ps.Temperature < 0 || *ps.Temperature > 2 {
		return PromptSet{}, fmt.Errorf("prompt set %s: temperature %v out of range [0, 2]", origin, *ps.Temperature)
	}
	return ps, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Interpolate replaces {{ name }} tokens with vars. Unknown tokens are left as-is.
func Interpolate(template string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(tok string) string {
		name := placeholder.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}
