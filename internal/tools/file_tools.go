package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaykit/relay/internal/llm"
)

const (
	ReadFileToolName      = "read_file"
	ListDirectoryToolName = "list_directory"
)

// maxReadBytes caps how much file content a single tool call returns.
const maxReadBytes = 256 * 1024

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	Root string // all paths resolve relative to this directory
}

func (t *ReadFileTool) Declaration() llm.ToolDecl {
	return llm.ToolDecl{
		Name:        ReadFileToolName,
		Description: "Read the contents of a file. Paths are relative to the workspace root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file to read",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("parse read_file args: %w", err)
	}
	path, err := t.resolve(payload.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (t *ReadFileTool) resolve(path string) (string, error) {
	return resolveWithin(t.Root, path)
}

// ListDirectoryTool lists entries of a workspace directory.
type ListDirectoryTool struct {
	Root string
}

func (t *ListDirectoryTool) Declaration() llm.ToolDecl {
	return llm.ToolDecl{
		Name:        ListDirectoryToolName,
		Description: "List the entries of a directory. Paths are relative to the workspace root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the directory to list (default: workspace root)",
				},
			},
			"additionalProperties": false,
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return "", fmt.Errorf("parse list_directory args: %w", err)
		}
	}
	if payload.Path == "" {
		payload.Path = "."
	}
	path, err := resolveWithin(t.Root, payload.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			b.WriteString(entry.Name() + "/\n")
		} else {
			b.WriteString(entry.Name() + "\n")
		}
	}
	return b.String(), nil
}

// resolveWithin joins path to root and rejects escapes above root.
func resolveWithin(root, path string) (string, error) {
	if root == "" {
		root = "."
	}
	joined := filepath.Join(root, path)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", path)
	}
	return abs, nil
}
