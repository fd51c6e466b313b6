// Package transport implements the peer-facing clients: one HTTP, one
// tunneled, dispatched per endpoint URL. Remote failures never surface
// as errors from the data-source client; they become typed retrieval
// results.
package transport

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/pkg/types"
)

// ChunkStream is a lazy sequence of model reply chunks. Recv returns
// io.EOF at end of stream. Close aborts the underlying transport and
// is safe to call more than once.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// queryPayload is the data-source query body.
type queryPayload struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// chatPayload is the model chat body.
type chatPayload struct {
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
}

// chatReply is the model's unary reply body.
type chatReply struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Usage       *types.Usage       `json:"usage,omitempty"`
	ProfitShare map[string]float64 `json:"profit_share,omitempty"`
}

// streamChunk is one streamed model fragment.
type streamChunk struct {
	Content string `json:"content"`
}

// documentsReply is the data-source reply body. Elements may be full
// document objects or bare strings.
type documentsReply struct {
	Documents []json.RawMessage `json:"documents"`
}

// parseDocuments decodes a data-source reply, coercing bare strings to
// documents with score 0.
func parseDocuments(body []byte) ([]types.Document, error) {
	var reply documentsReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("parse documents payload: %w", err)
	}

	docs := make([]types.Document, 0, len(reply.Documents))
	for i, raw := range reply.Documents {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			docs = append(docs, types.Document{Content: s})
			continue
		}
		var d types.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("documents[%d]: %w", i, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}
