package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ragmux/ragmux/internal/generation"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/retrieval"
	"github.com/ragmux/ragmux/internal/transport"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
	"github.com/ragmux/ragmux/pkg/types"
)

func intp(i int) *int { return &i }

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := observability.NewLogger(observability.LoggerConfig{Output: io.Discard})
	httpClient := transport.NewHTTPClient(
		&http.Client{Timeout: 5 * time.Second},
		&http.Client{Timeout: 5 * time.Second},
	)
	ds := transport.NewDataSourceClient(httpClient, nil, logger)
	mc := transport.NewModelClient(httpClient, nil)

	ret := retrieval.NewService(ds, time.Second, logger)
	gen := generation.NewService(mc, 5*time.Second)
	return New(ret, gen, 10*time.Second, "", logger, noop.NewTracerProvider().Tracer("test"))
}

// modelServer answers unary chats with answer and streamed chats with
// the given chunks.
func modelServer(t *testing.T, answer string, chunks ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "text/event-stream" {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range chunks {
				fmt.Fprintf(w, "data: {\"content\":%q}\n\n", c)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprintf(w, `{"message":{"content":%q},"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, answer)
	}))
	t.Cleanup(server.Close)
	return server
}

func sourceServer(t *testing.T, docsJSON string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"documents":%s}`, docsJSON)
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestProcessChat_HappyPath(t *testing.T) {
	model := modelServer(t, "Python was created by Guido van Rossum.")
	good := sourceServer(t, `[{"content":"Guido created Python","score":0.9,"metadata":{"title":"History of Python"}}]`)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	orch := newOrchestrator(t)
	resp, err := orch.ProcessChat(context.Background(), &types.ChatRequest{
		Prompt: "who made python?",
		Model:  types.EndpointRef{URL: model.URL},
		DataSources: []types.EndpointRef{
			{URL: good.URL, Name: "wiki"},
			{URL: bad.URL, Name: "broken"},
		},
		TopK: intp(3),
	}, "")
	if err != nil {
		t.Fatalf("ProcessChat() error = %v", err)
	}

	if resp.Response != "Python was created by Guido van Rossum." {
		t.Errorf("Response = %q", resp.Response)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	entry, ok := resp.Sources["History of Python"]
	if !ok {
		t.Fatalf("sources = %v, want entry keyed by document title", resp.Sources)
	}
	if entry.Slug != "history-of-python" {
		t.Errorf("slug = %q, want history-of-python", entry.Slug)
	}
	if entry.Content != "Guido created Python" {
		t.Errorf("content = %q", entry.Content)
	}

	if len(resp.RetrievalInfo) != 2 {
		t.Fatalf("got %d retrieval infos, want 2", len(resp.RetrievalInfo))
	}
	byPath := map[string]types.SourceInfo{}
	for _, info := range resp.RetrievalInfo {
		byPath[info.Path] = info
	}
	if byPath["wiki"].Status != types.StatusSuccess || byPath["wiki"].DocumentCount != 1 {
		t.Errorf("wiki info = %+v", byPath["wiki"])
	}
	if byPath["broken"].Status != types.StatusError {
		t.Errorf("broken info = %+v, want error status", byPath["broken"])
	}

	if resp.Metadata.TotalMs < 0 {
		t.Errorf("TotalMs = %d", resp.Metadata.TotalMs)
	}
}

func TestProcessChat_NoSources(t *testing.T) {
	model := modelServer(t, "hello")
	orch := newOrchestrator(t)

	resp, err := orch.ProcessChat(context.Background(), &types.ChatRequest{
		Prompt: "hi",
		Model:  types.EndpointRef{URL: model.URL},
	}, "")
	if err != nil {
		t.Fatalf("ProcessChat() error = %v", err)
	}
	if len(resp.Sources) != 0 || len(resp.RetrievalInfo) != 0 {
		t.Errorf("zero-source chat must carry no attribution, got %+v", resp)
	}
	if resp.Metadata.RetrievalMs != 0 {
		t.Errorf("RetrievalMs = %d, want 0", resp.Metadata.RetrievalMs)
	}
}

func TestProcessChat_GenerationFailure(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model down", http.StatusInternalServerError)
	}))
	t.Cleanup(model.Close)
	orch := newOrchestrator(t)

	_, err := orch.ProcessChat(context.Background(), &types.ChatRequest{
		Prompt: "hi",
		Model:  types.EndpointRef{URL: model.URL},
	}, "")
	if err == nil {
		t.Fatal("expected error when the model peer fails")
	}
	if !aggerrors.IsKind(err, aggerrors.KindGeneration) {
		t.Errorf("err = %v, want generation kind", err)
	}
}

func TestProcessChatStream_EventOrder(t *testing.T) {
	model := modelServer(t, "", "Hel", "lo", "!")
	source := sourceServer(t, `[{"content":"doc","score":1}]`)
	orch := newOrchestrator(t)

	events := collect(orch.ProcessChatStream(context.Background(), &types.ChatRequest{
		Prompt:      "hi",
		Model:       types.EndpointRef{URL: model.URL},
		DataSources: []types.EndpointRef{{URL: source.URL, Name: "src"}},
		TopK:        intp(3),
		Stream:      true,
	}, ""))

	want := []string{
		EventRetrievalStart,
		EventSourceComplete,
		EventRetrievalComplete,
		EventGenerationStart,
		EventToken, EventToken, EventToken,
		EventDone,
	}
	got := names(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", got, want)
	}

	var text strings.Builder
	for _, e := range events {
		if e.Name == EventToken {
			text.WriteString(e.Data.(TokenData).Content)
		}
	}
	if text.String() != "Hello!" {
		t.Errorf("joined tokens = %q, want Hello!", text.String())
	}

	done := events[len(events)-1].Data.(DoneData)
	if len(done.RetrievalInfo) != 1 || done.RetrievalInfo[0].Path != "src" {
		t.Errorf("done retrieval info = %+v", done.RetrievalInfo)
	}
}

func TestProcessChatStream_NoSources(t *testing.T) {
	model := modelServer(t, "", "hi")
	orch := newOrchestrator(t)

	events := collect(orch.ProcessChatStream(context.Background(), &types.ChatRequest{
		Prompt: "hi",
		Model:  types.EndpointRef{URL: model.URL},
		Stream: true,
	}, ""))

	got := names(events)
	want := []string{EventGenerationStart, EventToken, EventDone}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v (no retrieval events)", got, want)
	}
}

func TestProcessChatStream_GenerationFailure(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model down", http.StatusInternalServerError)
	}))
	t.Cleanup(model.Close)
	orch := newOrchestrator(t)

	events := collect(orch.ProcessChatStream(context.Background(), &types.ChatRequest{
		Prompt: "hi",
		Model:  types.EndpointRef{URL: model.URL},
		Stream: true,
	}, ""))

	if len(events) == 0 {
		t.Fatal("expected at least the error event")
	}
	last := events[len(events)-1]
	if last.Name != EventError {
		t.Fatalf("terminal event = %q, want error", last.Name)
	}
	if msg := last.Data.(ErrorData).Message; msg == "" {
		t.Error("error event must carry a message")
	}
}

func TestProcessChatStream_ClientDisconnect(t *testing.T) {
	// Model keeps the stream open until the request context dies.
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"first\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(model.Close)
	orch := newOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	events := orch.ProcessChatStream(ctx, &types.ChatRequest{
		Prompt: "hi",
		Model:  types.EndpointRef{URL: model.URL},
		Stream: true,
	}, "")

	sawToken := false
	for e := range events {
		if e.Name == EventError {
			t.Error("cancelled stream must not emit an error event")
		}
		if e.Name == EventToken {
			sawToken = true
			cancel()
		}
	}
	cancel()
	if !sawToken {
		t.Error("expected the first token before cancelling")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"History of Python", "history-of-python"},
		{"Hello, World!", "hello-world"},
		{"already-slugged", "already-slugged"},
		{"  spaces  ", "spaces"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSourceMap_FirstDocumentWins(t *testing.T) {
	agg := &types.AggregatedContext{Documents: []types.Document{
		{Content: "first", Metadata: map[string]any{"title": "Dup"}},
		{Content: "second", Metadata: map[string]any{"title": "Dup"}},
		{Content: "untagged"},
	}}

	sources := sourceMap(agg)
	if sources["Dup"].Content != "first" {
		t.Errorf("Dup content = %q, want the first document", sources["Dup"].Content)
	}
	if _, ok := sources["untitled"]; !ok {
		t.Errorf("sources = %v, want untitled fallback key", sources)
	}
}
