package types

// RetrievalStatus is the per-source outcome of one fan-out leg.
type RetrievalStatus string

const (
	StatusSuccess RetrievalStatus = "success"
	StatusError   RetrievalStatus = "error"
	StatusTimeout RetrievalStatus = "timeout"
)

// Document is a single passage returned by a data source. Score is
// opaque; larger is better.
type Document struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult is the outcome of one fan-out leg. It is created once
// per leg and never mutated afterwards.
type RetrievalResult struct {
	EndpointPath string          `json:"endpoint_path"`
	Documents    []Document      `json:"documents"`
	Status       RetrievalStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LatencyMs    int64           `json:"latency_ms"`
}

// AggregatedContext holds the gathered retrieval output for one chat
// request. Documents are sorted by score descending; the sort is stable
// so equal scores keep source arrival order.
type AggregatedContext struct {
	Documents      []Document        `json:"documents"`
	PerSource      []RetrievalResult `json:"per_source"`
	TotalLatencyMs int64             `json:"total_latency_ms"`
}

// IsEmpty reports whether no documents were gathered.
func (c *AggregatedContext) IsEmpty() bool {
	return c == nil || len(c.Documents) == 0
}
