// Package types defines the wire and data model shared across the
// aggregator: endpoint references, retrieval results, chat requests
// and responses.
package types

import "fmt"

// Message is a single chat message sent to the model peer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatRequest is the aggregator's public request body. Validation
// bounds come from configuration and are applied at the API entry.
// TopK is a pointer so an absent field takes the configured default
// while an explicit zero is rejected.
type ChatRequest struct {
	Prompt      string        `json:"prompt"`
	Model       EndpointRef   `json:"model"`
	DataSources []EndpointRef `json:"data_sources,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Validate checks the request against the configured bounds. An absent
// TopK is replaced by defaultTopK before the range check.
func (r *ChatRequest) Validate(defaultTopK, maxTopK, maxSources int) error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if r.Model.URL == "" {
		return fmt.Errorf("model endpoint url is required")
	}
	if r.TopK == nil {
		k := defaultTopK
		r.TopK = &k
	}
	if *r.TopK < 1 || *r.TopK > maxTopK {
		return fmt.Errorf("top_k must be between 1 and %d, got %d", maxTopK, *r.TopK)
	}
	if len(r.DataSources) > maxSources {
		return fmt.Errorf("at most %d data sources allowed, got %d", maxSources, len(r.DataSources))
	}
	for i, ds := range r.DataSources {
		if ds.URL == "" {
			return fmt.Errorf("data_sources[%d]: url is required", i)
		}
	}
	return nil
}
