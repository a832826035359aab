package chat

import (
	"encoding/json"
	"sort"
)

// IDEContext is a snapshot of the user's editor state, supplied by an
// external integration.
type IDEContext struct {
	OpenFiles []OpenFile `json:"openFiles,omitempty"`
}

// OpenFile describes one file open in the editor. At most one file is
// active; only the active file carries cursor and selection detail.
type OpenFile struct {
	Path         string  `json:"path"`
	Active       bool    `json:"isActive,omitempty"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	SelectedText string  `json:"selectedText,omitempty"`
}

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// IDEContextProvider returns the current editor state, or nil when no
// editor is connected.
type IDEContextProvider func() *IDEContext

// ideContextDelta describes what changed since the last snapshot sent to
// the model.
type ideContextDelta struct {
	FilesOpened  []string `json:"filesOpened,omitempty"`
	FilesClosed  []string `json:"filesClosed,omitempty"`
	ActiveFile   string   `json:"activeFile,omitempty"`
	Cursor       *Cursor  `json:"cursor,omitempty"`
	SelectedText string   `json:"selectedText,omitempty"`
}

// ideContextText renders the context block injected ahead of the user's
// message. The first prompt of a session gets the full snapshot; later
// prompts get only the delta against what the model last saw. Returns
// "" when there is nothing new to tell the model.
func (o *Orchestrator) ideContextText() string {
	if o.ideContext == nil {
		return ""
	}
	current := o.ideContext()
	if current == nil {
		return ""
	}

	previous := o.lastSentIDEContext
	o.lastSentIDEContext = current

	if previous == nil {
		data, err := json.Marshal(current)
		if err != nil {
			return ""
		}
		return "Here is the user's editor context as a JSON object. This is for your information only.\n" + string(data)
	}

	delta := diffIDEContext(previous, current)
	if delta == nil {
		return ""
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return ""
	}
	return "Here are the changes in the user's editor context as a JSON object. This is for your information only.\n" + string(data)
}

func diffIDEContext(previous, current *IDEContext) *ideContextDelta {
	prevSet := make(map[string]OpenFile, len(previous.OpenFiles))
	for _, f := range previous.OpenFiles {
		prevSet[f.Path] = f
	}
	curSet := make(map[string]OpenFile, len(current.OpenFiles))
	for _, f := range current.OpenFiles {
		curSet[f.Path] = f
	}

	var delta ideContextDelta
	changed := false

	for path := range curSet {
		if _, ok := prevSet[path]; !ok {
			delta.FilesOpened = append(delta.FilesOpened, path)
			changed = true
		}
	}
	for path := range prevSet {
		if _, ok := curSet[path]; !ok {
			delta.FilesClosed = append(delta.FilesClosed, path)
			changed = true
		}
	}
	sort.Strings(delta.FilesOpened)
	sort.Strings(delta.FilesClosed)

	prevActive := activeFile(previous)
	curActive := activeFile(current)
	if curActive != nil {
		if prevActive == nil || prevActive.Path != curActive.Path {
			delta.ActiveFile = curActive.Path
			delta.Cursor = curActive.Cursor
			delta.SelectedText = curActive.SelectedText
			changed = true
		} else if !cursorsEqual(prevActive.Cursor, curActive.Cursor) || prevActive.SelectedText != curActive.SelectedText {
			delta.ActiveFile = curActive.Path
			delta.Cursor = curActive.Cursor
			delta.SelectedText = curActive.SelectedText
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return &delta
}

func activeFile(ctx *IDEContext) *OpenFile {
	for i := range ctx.OpenFiles {
		if ctx.OpenFiles[i].Active {
			return &ctx.OpenFiles[i]
		}
	}
	return nil
}

func cursorsEqual(a, b *Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Line == b.Line && a.Column == b.Column
}
