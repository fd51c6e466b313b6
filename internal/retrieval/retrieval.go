// Package retrieval fans a query out to data-source peers in parallel
// and gathers the results. Per-source failures never fail the aggregate.
package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ragmux/ragmux/internal/metrics"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/transport"
	"github.com/ragmux/ragmux/pkg/types"
)

// SourcePathKey is the metadata key stamped on each aggregated document
// naming the retrieval leg it came from.
const SourcePathKey = "source_path"

// StampSource returns a copy of doc whose metadata names the retrieval
// leg it came from. The metadata map is cloned so the originating
// RetrievalResult stays untouched.
func StampSource(doc types.Document, path string) types.Document {
	meta := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	if _, ok := meta[SourcePathKey]; !ok {
		meta[SourcePathKey] = path
	}
	doc.Metadata = meta
	return doc
}

// Service runs the retrieval fan-out.
type Service struct {
	client     *transport.DataSourceClient
	perCallTTL time.Duration
	logger     *observability.Logger
}

// NewService creates a retrieval service. perCallTTL is the per-source
// deadline applied to each leg.
func NewService(client *transport.DataSourceClient, perCallTTL time.Duration, logger *observability.Logger) *Service {
	return &Service{client: client, perCallTTL: perCallTTL, logger: logger}
}

// Retrieve fans out to all sources, awaits completion, and returns the
// aggregate. Documents are concatenated in leg-completion order, then
// stably sorted by score descending, so equal scores keep arrival order.
func (s *Service) Retrieve(ctx context.Context, sources []types.EndpointRef, query string, topK int, bearer string) *types.AggregatedContext {
	if len(sources) == 0 {
		return &types.AggregatedContext{
			Documents: []types.Document{},
			PerSource: []types.RetrievalResult{},
		}
	}

	start := time.Now()
	agg := &types.AggregatedContext{}
	for result := range s.RetrieveStreaming(ctx, sources, query, topK, bearer) {
		agg.PerSource = append(agg.PerSource, result)
		if result.Status != types.StatusSuccess {
			continue
		}
		for _, doc := range result.Documents {
			agg.Documents = append(agg.Documents, StampSource(doc, result.EndpointPath))
		}
	}
	agg.TotalLatencyMs = time.Since(start).Milliseconds()

	sort.SliceStable(agg.Documents, func(i, j int) bool {
		return agg.Documents[i].Score > agg.Documents[j].Score
	})

	if agg.Documents == nil {
		agg.Documents = []types.Document{}
	}
	return agg
}

// RetrieveStreaming starts all legs concurrently and yields each result
// as it completes, in no particular order. The channel closes once all
// legs have finished or the context is cancelled.
func (s *Service) RetrieveStreaming(ctx context.Context, sources []types.EndpointRef, query string, topK int, bearer string) <-chan types.RetrievalResult {
	out := make(chan types.RetrievalResult, len(sources))

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(endpoint types.EndpointRef) {
			defer wg.Done()

			legCtx, cancel := context.WithTimeout(ctx, s.perCallTTL)
			defer cancel()

			result := s.client.Query(legCtx, endpoint, query, topK, bearer)
			metrics.RecordRetrievalLeg(string(result.Status))

			select {
			case out <- result:
			case <-ctx.Done():
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
