// Package tools defines the callable-tool boundary for the conversation
// loop. The loop only depends on declarations and the registry; tool
// behavior lives behind the Tool interface.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/relaykit/relay/internal/llm"
)

// Tool describes a callable external tool.
type Tool interface {
	Declaration() llm.ToolDecl
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry stores tools by name for execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Declaration().Name] = tool
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Declarations returns all registered tool declarations sorted by name so
// request payloads are stable.
func (r *Registry) Declarations() []llm.ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]llm.ToolDecl, 0, len(r.tools))
	for _, tool := range r.tools {
		decls = append(decls, tool.Declaration())
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	Decl llm.ToolDecl
	Fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) Declaration() llm.ToolDecl { return t.Decl }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}
