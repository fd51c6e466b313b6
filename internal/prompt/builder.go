// Package prompt assembles the chat-message sequence sent to the model
// peer. The builder is pure and deterministic.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ragmux/ragmux/internal/retrieval"
	"github.com/ragmux/ragmux/pkg/types"
)

// DefaultSystemPrompt is used when the caller supplies no custom one.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the user's question using the provided context when it is relevant. Cite the source of any passage you rely on."

const (
	contextHeader = "===== CONTEXT FROM DATA SOURCES ====="
	contextFooter = "===== END OF CONTEXT ====="
	noContextNote = "No relevant context was found in the connected data sources."
)

// Build produces exactly two messages: system then user. When the
// context holds documents, the system message appends a delimited block
// listing each document's source path and content. An empty (non-nil)
// context states that nothing relevant was found; a nil context emits
// the system prompt alone.
func Build(userPrompt string, ctx *types.AggregatedContext, customSystemPrompt string) []types.Message {
	system := customSystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	var b strings.Builder
	b.WriteString(system)

	switch {
	case ctx == nil:
		// System prompt only.
	case len(ctx.Documents) == 0:
		b.WriteString("\n\n")
		b.WriteString(noContextNote)
	default:
		b.WriteString("\n\n")
		b.WriteString(contextHeader)
		for i, doc := range ctx.Documents {
			fmt.Fprintf(&b, "\n\n[%d] Source: %s\n%s", i+1, sourcePath(doc), doc.Content)
		}
		b.WriteString("\n\n")
		b.WriteString(contextFooter)
	}

	return []types.Message{
		{Role: types.RoleSystem, Content: b.String()},
		{Role: types.RoleUser, Content: userPrompt},
	}
}

func sourcePath(doc types.Document) string {
	if v, ok := doc.Metadata[retrieval.SourcePathKey]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}
