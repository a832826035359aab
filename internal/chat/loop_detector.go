package chat

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/relaykit/relay/internal/llm"
)

const (
	// toolCallLoopThreshold is how many identical consecutive tool calls
	// count as a loop.
	toolCallLoopThreshold = 4
	// contentChunkSize is the granularity at which streamed text is
	// fingerprinted.
	contentChunkSize = 100
	// contentLoopThreshold is how many identical consecutive chunks
	// count as a loop.
	contentLoopThreshold = 10
)

// LoopDetector watches a turn's output for degenerate repetition: the
// same tool call over and over, or the same text chunk streamed
// repeatedly. State resets at the start of every prompt.
type LoopDetector struct {
	lastToolCallKey string
	toolCallRepeats int

	pending       string
	lastChunkHash string
	chunkRepeats  int
}

func NewLoopDetector() *LoopDetector {
	return &LoopDetector{}
}

// Reset clears all tracking for a new prompt.
func (d *LoopDetector) Reset() {
	d.lastToolCallKey = ""
	d.toolCallRepeats = 0
	d.pending = ""
	d.lastChunkHash = ""
	d.chunkRepeats = 0
}

// Looping reports whether a previously detected repetition still stands
// for the current prompt. Checked before each model call so a turn that
// already tripped the detector is not restarted.
func (d *LoopDetector) Looping() bool {
	return d.toolCallRepeats >= toolCallLoopThreshold || d.chunkRepeats >= contentLoopThreshold
}

// CheckToolCall records a tool call and reports whether it completes a
// loop. A tool call also breaks any text repetition run.
func (d *LoopDetector) CheckToolCall(call llm.FunctionCall) bool {
	d.pending = ""
	d.lastChunkHash = ""
	d.chunkRepeats = 0

	key := hashString(call.Name + ":" + string(call.Args))
	if key == d.lastToolCallKey {
		d.toolCallRepeats++
	} else {
		d.lastToolCallKey = key
		d.toolCallRepeats = 1
	}
	return d.toolCallRepeats >= toolCallLoopThreshold
}

// CheckContent records streamed text and reports whether it completes a
// loop. Thought text is not tracked.
func (d *LoopDetector) CheckContent(text string) bool {
	// A tool call run is broken by new content.
	d.lastToolCallKey = ""
	d.toolCallRepeats = 0

	d.pending += text
	for len(d.pending) >= contentChunkSize {
		chunk := d.pending[:contentChunkSize]
		d.pending = d.pending[contentChunkSize:]

		hash := hashString(chunk)
		if hash == d.lastChunkHash {
			d.chunkRepeats++
		} else {
			d.lastChunkHash = hash
			d.chunkRepeats = 1
		}
		if d.chunkRepeats >= contentLoopThreshold {
			return true
		}
	}
	return false
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
