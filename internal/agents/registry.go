package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// builtinAgents are always available and cannot be shadowed out of the
// listing; a user agent of the same name takes precedence on Get.
var builtinAgents = []*Agent{
	{
		Name:        "general",
		Description: "General-purpose assistant",
		Source:      SourceBuiltin,
		SourcePath:  "builtin:general",
		SystemPrompt: "You are a capable general-purpose assistant. Answer directly and " +
			"concisely; use the available tools when a task requires them.",
	},
	{
		Name:        "reviewer",
		Description: "Code review specialist",
		Source:      SourceBuiltin,
		SourcePath:  "builtin:reviewer",
		SystemPrompt: "You are a meticulous code reviewer. Read the code under discussion " +
			"with the available tools before commenting. Point out correctness issues " +
			"first, then style. Be specific: name the file and line.",
	},
}

// Registry discovers agents from search directories, with compiled-in
// defaults as the fallback.
type Registry struct {
	searchPaths []string
	cache       map[string]*Agent
}

// NewRegistry creates a registry scanning the given directories in
// priority order (first match wins).
func NewRegistry(searchPaths ...string) *Registry {
	return &Registry{
		searchPaths: searchPaths,
		cache:       make(map[string]*Agent),
	}
}

// Get resolves an agent by name: disk first, then built-ins.
func (r *Registry) Get(name string) (*Agent, error) {
	if agent, ok := r.cache[name]; ok {
		return agent, nil
	}

	for _, sp := range r.searchPaths {
		dir := filepath.Join(sp, name)
		if !isAgentDir(dir) {
			continue
		}
		agent, err := LoadFromDir(dir, SourceUser)
		if err != nil {
			return nil, fmt.Errorf("load agent %s: %w", name, err)
		}
		r.cache[name] = agent
		return agent, nil
	}

	for _, agent := range builtinAgents {
		if agent.Name == name {
			r.cache[name] = agent
			return agent, nil
		}
	}
	return nil, fmt.Errorf("agent not found: %s", name)
}

// List returns every available agent, first-found winning on name
// collisions, sorted built-ins first then by name.
func (r *Registry) List() []*Agent {
	seen := make(map[string]bool)
	var agents []*Agent

	for _, sp := range r.searchPaths {
		for _, agent := range scanDir(sp) {
			if !seen[agent.Name] {
				seen[agent.Name] = true
				agents = append(agents, agent)
			}
		}
	}
	for _, agent := range builtinAgents {
		if !seen[agent.Name] {
			seen[agent.Name] = true
			agents = append(agents, agent)
		}
	}

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Source != agents[j].Source {
			return agents[i].Source > agents[j].Source
		}
		return agents[i].Name < agents[j].Name
	})
	return agents
}

// CustomNames returns the names of non-builtin agents, sorted. Used for
// the delegation hint: built-ins are not worth advertising.
func (r *Registry) CustomNames() []string {
	var names []string
	for _, agent := range r.List() {
		if agent.Source != SourceBuiltin {
			names = append(names, agent.Name)
		}
	}
	sort.Strings(names)
	return names
}

func scanDir(dir string) []*Agent {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var agents []*Agent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentDir := filepath.Join(dir, entry.Name())
		if !isAgentDir(agentDir) {
			continue
		}
		agent, err := LoadFromDir(agentDir, SourceUser)
		if err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents
}

func isAgentDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "agent.yaml"))
	return err == nil && !info.IsDir()
}
