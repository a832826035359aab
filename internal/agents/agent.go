// Package agents provides named configuration bundles: a system
// prompt plus model and tool preferences, discovered from YAML
// definitions on disk or built in.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent is one named configuration bundle.
type Agent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Model preferences, optional.
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`

	// Tools is an explicit allow list; empty means the default set.
	Tools []string `yaml:"tools,omitempty"`

	MaxTurns int `yaml:"max_turns,omitempty"`

	// SystemPrompt is loaded from system.md next to agent.yaml.
	SystemPrompt string `yaml:"-"`

	Source     Source `yaml:"-"`
	SourcePath string `yaml:"-"`
}

// Source indicates where an agent was loaded from.
type Source int

const (
	SourceUser    Source = iota // discovered on disk
	SourceBuiltin               // compiled in
)

func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceBuiltin:
		return "builtin"
	default:
		return "unknown"
	}
}

// LoadFromDir loads an agent from a directory holding agent.yaml and
// optionally system.md.
func LoadFromDir(dir string, source Source) (*Agent, error) {
	data, err := os.ReadFile(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read agent.yaml: %w", err)
	}

	var agent Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parse agent.yaml: %w", err)
	}

	if systemData, err := os.ReadFile(filepath.Join(dir, "system.md")); err == nil {
		agent.SystemPrompt = string(systemData)
	}

	agent.Source = source
	agent.SourcePath = dir
	if agent.Name == "" {
		agent.Name = filepath.Base(dir)
	}
	return &agent, nil
}

// String returns a brief one-line description.
func (a *Agent) String() string {
	if a.Description == "" {
		return a.Name
	}
	return a.Name + " - " + a.Description
}

// Validate checks the definition for obvious mistakes.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.MaxTurns < 0 {
		return fmt.Errorf("max_turns cannot be negative")
	}
	return nil
}
