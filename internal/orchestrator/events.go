package orchestrator

import "github.com/ragmux/ragmux/pkg/types"

// Stream event names, emitted in the order the protocol defines:
// retrieval_start (source_complete)* retrieval_complete generation_start
// token* done — or a prefix ending in error. With zero sources the
// retrieval events are absent.
const (
	EventRetrievalStart    = "retrieval_start"
	EventSourceComplete    = "source_complete"
	EventRetrievalComplete = "retrieval_complete"
	EventGenerationStart   = "generation_start"
	EventToken             = "token"
	EventDone              = "done"
	EventError             = "error"
)

// Event is one element of a chat event stream.
type Event struct {
	Name string
	Data any
}

// RetrievalStartData announces the fan-out width.
type RetrievalStartData struct {
	Sources int `json:"sources"`
}

// SourceCompleteData reports one finished retrieval leg.
type SourceCompleteData struct {
	Path      string                `json:"path"`
	Status    types.RetrievalStatus `json:"status"`
	Documents int                   `json:"documents"`
}

// RetrievalCompleteData closes the retrieval phase.
type RetrievalCompleteData struct {
	TotalDocuments int   `json:"total_documents"`
	TimeMs         int64 `json:"time_ms"`
}

// TokenData carries one model reply chunk.
type TokenData struct {
	Content string `json:"content"`
}

// DoneData is the terminal event of a successful stream.
type DoneData struct {
	Sources       map[string]types.SourceEntry `json:"sources"`
	RetrievalInfo []types.SourceInfo           `json:"retrieval_info"`
	Metadata      types.ResponseMetadata       `json:"metadata"`
	Usage         *types.Usage                 `json:"usage,omitempty"`
	ProfitShare   map[string]float64           `json:"profit_share,omitempty"`
}

// ErrorData is the terminal event of a failed stream.
type ErrorData struct {
	Message string `json:"message"`
}
