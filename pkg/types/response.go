package types

// Usage carries token accounting reported by the model peer.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// SourceInfo summarises one retrieval leg for the client.
type SourceInfo struct {
	Path          string          `json:"path"`
	DocumentCount int             `json:"document_count"`
	Status        RetrievalStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
}

// SourceEntry is one attributed passage in the response source map.
type SourceEntry struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

// ResponseMetadata carries per-phase timing for one request.
type ResponseMetadata struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// ChatResponse is the aggregator's unary response body.
type ChatResponse struct {
	Response      string                 `json:"response"`
	Sources       map[string]SourceEntry `json:"sources"`
	RetrievalInfo []SourceInfo           `json:"retrieval_info"`
	Metadata      ResponseMetadata       `json:"metadata"`
	Usage         *Usage                 `json:"usage,omitempty"`
	ProfitShare   map[string]float64     `json:"profit_share,omitempty"`
}

// GenerationResult is the outcome of one model call.
type GenerationResult struct {
	Response    string             `json:"response"`
	LatencyMs   int64              `json:"latency_ms"`
	Usage       *Usage             `json:"usage,omitempty"`
	ProfitShare map[string]float64 `json:"profit_share,omitempty"`
}
