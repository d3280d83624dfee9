package hume

import (
	"strings"
	"sync"
)

// Transcript collects the final user and assistant messages of a chat in
// arrival order. Interim transcripts are skipped.
type Transcript struct {
	mu    sync.Mutex
	lines []ChatMessageContent
}

// Add records ev if it is a final transcript message and reports whether it
// was recorded.
func (t *Transcript) Add(ev ChatEvent) bool {
	var line ChatMessageContent
	switch m := ev.(type) {
	case UserMessage:
		if m.Interim {
			return false
		}
		line = m.Message
	case AssistantMessage:
		line = m.Message
	default:
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	return true
}

// Lines returns a copy of the recorded messages.
func (t *Transcript) Lines() []ChatMessageContent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChatMessageContent(nil), t.lines...)
}

// String renders the transcript as "role: content" lines.
func (t *Transcript) String() string {
	var b strings.Builder
	for _, l := range t.Lines() {
		b.WriteString(l.Role)
		b.WriteString(": ")
		b.WriteString(l.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
