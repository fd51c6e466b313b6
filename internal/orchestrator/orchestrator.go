// Package orchestrator drives the retrieve/build/generate pipeline,
// emits the chat event protocol, records per-phase timing, attributes
// sources, and propagates cancellation.
package orchestrator

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ragmux/ragmux/internal/generation"
	"github.com/ragmux/ragmux/internal/metrics"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/prompt"
	"github.com/ragmux/ragmux/internal/retrieval"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
	"github.com/ragmux/ragmux/pkg/types"
)

// Orchestrator owns one request's pipeline. It is safe for concurrent
// use; all per-request state lives on the stack.
type Orchestrator struct {
	retrieval    *retrieval.Service
	generation   *generation.Service
	totalTimeout time.Duration
	systemPrompt string
	logger       *observability.Logger
	tracer       trace.Tracer
}

// New creates an orchestrator. systemPrompt overrides the default
// system prompt when non-empty.
func New(ret *retrieval.Service, gen *generation.Service, totalTimeout time.Duration, systemPrompt string, logger *observability.Logger, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		retrieval:    ret,
		generation:   gen,
		totalTimeout: totalTimeout,
		systemPrompt: systemPrompt,
		logger:       logger,
		tracer:       tracer,
	}
}

// ProcessChat runs the full pipeline and returns a unary response.
// The request is assumed validated. A request succeeds if generation
// succeeds, regardless of how many retrieval legs failed.
func (o *Orchestrator) ProcessChat(ctx context.Context, req *types.ChatRequest, bearer string) (*types.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	start := time.Now()
	log := o.logger.WithRequestID(ctx)

	agg := o.retrievePhase(ctx, req, bearer)
	messages := prompt.Build(req.Prompt, contextOrNil(req, agg), o.systemPrompt)

	genCtx, genSpan := o.tracer.Start(ctx, "generate")
	result, err := o.generation.Generate(genCtx, req.Model, messages, bearer)
	genSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, aggerrors.NewCancelledError(ctx.Err().Error())
		}
		log.Error("generation failed", "model", req.Model.Path(), "error", err)
		metrics.RecordChat("unary", "error", time.Since(start))
		return nil, err
	}

	total := time.Since(start)
	metrics.RecordChat("unary", "success", total)
	log.Info("chat complete",
		"sources", len(req.DataSources),
		"documents", len(agg.Documents),
		"total_ms", total.Milliseconds())

	return &types.ChatResponse{
		Response:      result.Response,
		Sources:       sourceMap(agg),
		RetrievalInfo: sourceInfos(agg),
		Metadata: types.ResponseMetadata{
			RetrievalMs:  agg.TotalLatencyMs,
			GenerationMs: result.LatencyMs,
			TotalMs:      total.Milliseconds(),
		},
		Usage:       result.Usage,
		ProfitShare: result.ProfitShare,
	}, nil
}

// ProcessChatStream runs the pipeline and emits the event protocol.
// The returned channel closes after the terminal done or error event,
// or silently on cancellation. Cancelling ctx aborts in-flight
// retrieval and generation and releases their transports.
func (o *Orchestrator) ProcessChatStream(ctx context.Context, req *types.ChatRequest, bearer string) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		o.runStream(ctx, req, bearer, out)
	}()
	return out
}

func (o *Orchestrator) runStream(parent context.Context, req *types.ChatRequest, bearer string, out chan<- Event) {
	ctx, cancel := context.WithTimeout(parent, o.totalTimeout)
	defer cancel()

	start := time.Now()
	log := o.logger.WithRequestID(ctx)

	emit := func(name string, data any) bool {
		select {
		case out <- Event{Name: name, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		if ctx.Err() != nil {
			// Client gone or deadline hit: no further events.
			return
		}
		ae := aggerrors.AsAggregatorError(err)
		log.Error("stream failed", "kind", ae.Kind, "error", ae.Message)
		metrics.RecordChat("stream", "error", time.Since(start))
		emit(EventError, ErrorData{Message: ae.Message})
	}

	// Retrieval phase. Legs surface in completion order.
	agg := &types.AggregatedContext{Documents: []types.Document{}, PerSource: []types.RetrievalResult{}}
	if len(req.DataSources) > 0 {
		if !emit(EventRetrievalStart, RetrievalStartData{Sources: len(req.DataSources)}) {
			return
		}

		retCtx, span := o.tracer.Start(ctx, "retrieve")
		retStart := time.Now()
		for result := range o.retrieval.RetrieveStreaming(retCtx, req.DataSources, req.Prompt, *req.TopK, bearer) {
			agg.PerSource = append(agg.PerSource, result)
			if result.Status == types.StatusSuccess {
				for _, doc := range result.Documents {
					agg.Documents = append(agg.Documents, retrieval.StampSource(doc, result.EndpointPath))
				}
			}
			if !emit(EventSourceComplete, SourceCompleteData{
				Path:      result.EndpointPath,
				Status:    result.Status,
				Documents: len(result.Documents),
			}) {
				span.End()
				return
			}
		}
		span.End()

		agg.TotalLatencyMs = time.Since(retStart).Milliseconds()
		metrics.RecordPhase("retrieval", time.Since(retStart))
		sort.SliceStable(agg.Documents, func(i, j int) bool {
			return agg.Documents[i].Score > agg.Documents[j].Score
		})

		if !emit(EventRetrievalComplete, RetrievalCompleteData{
			TotalDocuments: len(agg.Documents),
			TimeMs:         agg.TotalLatencyMs,
		}) {
			return
		}
	}

	messages := prompt.Build(req.Prompt, contextOrNil(req, agg), o.systemPrompt)

	if !emit(EventGenerationStart, struct{}{}) {
		return
	}

	genCtx, genSpan := o.tracer.Start(ctx, "generate")
	genStart := time.Now()
	stream, genCancel, err := o.generation.GenerateStream(genCtx, req.Model, messages, bearer)
	if err != nil {
		genSpan.End()
		fail(err)
		return
	}
	defer genCancel()
	defer stream.Close()
	defer genSpan.End()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(aggerrors.NewGenerationError(req.Model.Path(), err.Error()))
			return
		}
		metrics.StreamTokens.Inc()
		if !emit(EventToken, TokenData{Content: chunk}) {
			return
		}
	}
	genLatency := time.Since(genStart)
	metrics.RecordPhase("generation", genLatency)

	total := time.Since(start)
	metrics.RecordChat("stream", "success", total)
	emit(EventDone, DoneData{
		Sources:       sourceMap(agg),
		RetrievalInfo: sourceInfos(agg),
		Metadata: types.ResponseMetadata{
			RetrievalMs:  agg.TotalLatencyMs,
			GenerationMs: genLatency.Milliseconds(),
			TotalMs:      total.Milliseconds(),
		},
	})
}

// retrievePhase gathers context for the unary path.
func (o *Orchestrator) retrievePhase(ctx context.Context, req *types.ChatRequest, bearer string) *types.AggregatedContext {
	if len(req.DataSources) == 0 {
		return &types.AggregatedContext{Documents: []types.Document{}, PerSource: []types.RetrievalResult{}}
	}

	retCtx, span := o.tracer.Start(ctx, "retrieve")
	defer span.End()

	start := time.Now()
	agg := o.retrieval.Retrieve(retCtx, req.DataSources, req.Prompt, *req.TopK, bearer)
	metrics.RecordPhase("retrieval", time.Since(start))
	return agg
}

// contextOrNil hides the context from the prompt builder when the
// request carried no sources, so the system prompt stays bare.
func contextOrNil(req *types.ChatRequest, agg *types.AggregatedContext) *types.AggregatedContext {
	if len(req.DataSources) == 0 {
		return nil
	}
	return agg
}

// sourceInfos summarises each leg, one entry per source.
func sourceInfos(agg *types.AggregatedContext) []types.SourceInfo {
	infos := make([]types.SourceInfo, 0, len(agg.PerSource))
	for _, r := range agg.PerSource {
		infos = append(infos, types.SourceInfo{
			Path:          r.EndpointPath,
			DocumentCount: len(r.Documents),
			Status:        r.Status,
			Error:         r.ErrorMessage,
		})
	}
	return infos
}

// sourceMap builds the title-keyed attribution map. The first document
// wins per title.
func sourceMap(agg *types.AggregatedContext) map[string]types.SourceEntry {
	sources := make(map[string]types.SourceEntry)
	for _, doc := range agg.Documents {
		title := docString(doc, "title")
		if title == "" {
			title = docString(doc, retrieval.SourcePathKey)
		}
		if title == "" {
			title = "untitled"
		}
		if _, exists := sources[title]; exists {
			continue
		}
		slug := docString(doc, "slug")
		if slug == "" {
			slug = slugify(title)
		}
		sources[title] = types.SourceEntry{Slug: slug, Content: doc.Content}
	}
	return sources
}

func docString(doc types.Document, key string) string {
	if v, ok := doc.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
