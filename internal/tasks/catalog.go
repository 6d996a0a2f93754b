// Package tasks holds the catalogue of drafting tasks and analysis presets.
package tasks

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// AnalyzeTask is the task id sent upstream for analysis requests. It is not
// part of the catalogue.
const AnalyzeTask = "analyze"

type Task struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description"`
	DefaultTitle string `yaml:"default_title" json:"default_title"`
	BasePrompt   string `yaml:"base_prompt" json:"base_prompt"`
	OutputType   string `yaml:"output_type" json:"output_type"`
}

type AnalysisType struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

type Catalog struct {
	Tasks         []Task         `yaml:"tasks" json:"tasks"`
	AnalysisTypes []AnalysisType `yaml:"analysis_types" json:"analysis_types"`

	tasks    map[string]Task
	analyses map[string]AnalysisType
}

// Default returns the catalogue compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalogue file. An empty path yields the default catalogue.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task catalogue %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid task catalogue %s: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse task catalogue: %w", err)
	}
	if len(c.Tasks) == 0 {
		return nil, errors.New("task catalogue has no tasks")
	}

	c.tasks = make(map[string]Task, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.ID == "" {
			return nil, errors.New("task with empty id")
		}
		if t.ID == AnalyzeTask {
			return nil, fmt.Errorf("task id %q is reserved", t.ID)
		}
		if _, dup := c.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		c.tasks[t.ID] = t
	}

	c.analyses = make(map[string]AnalysisType, len(c.AnalysisTypes))
	for _, a := range c.AnalysisTypes {
		if a.ID == "" {
			return nil, errors.New("analysis type with empty id")
		}
		if _, dup := c.analyses[a.ID]; dup {
			return nil, fmt.Errorf("duplicate analysis type id %q", a.ID)
		}
		c.analyses[a.ID] = a
	}
	return &c, nil
}

func (c *Catalog) Task(id string) (Task, bool) {
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Catalog) Analysis(id string) (AnalysisType, bool) {
	a, ok := c.analyses[id]
	return a, ok
}
