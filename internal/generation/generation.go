// Package generation issues the assembled chat to the model peer,
// exposing both a blocking and a token-stream result.
package generation

import (
	"context"
	"io"
	"time"

	"github.com/ragmux/ragmux/internal/metrics"
	"github.com/ragmux/ragmux/internal/transport"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
	"github.com/ragmux/ragmux/pkg/types"
)

// Service wraps the model client with the generation deadline and the
// domain error taxonomy.
type Service struct {
	client  *transport.ModelClient
	timeout time.Duration
}

// NewService creates a generation service.
func NewService(client *transport.ModelClient, timeout time.Duration) *Service {
	return &Service{client: client, timeout: timeout}
}

// Generate issues a blocking chat. Underlying failures surface as
// generation errors; latency is end-to-end.
func (s *Service) Generate(ctx context.Context, model types.EndpointRef, messages []types.Message, bearer string) (*types.GenerationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.client.Chat(callCtx, model, messages, bearer)
	elapsed := time.Since(start)
	metrics.RecordPhase("generation", elapsed)

	if err != nil {
		if ctx.Err() != nil {
			return nil, aggerrors.NewCancelledError(ctx.Err().Error())
		}
		return nil, aggerrors.NewGenerationError(model.Path(), err.Error())
	}

	result.LatencyMs = elapsed.Milliseconds()
	return result, nil
}

// GenerateStream opens a token stream. Empty chunks are filtered out.
// The caller owns the stream and must close it on every exit path;
// cancel releases the generation deadline and must be called as well.
func (s *Service) GenerateStream(ctx context.Context, model types.EndpointRef, messages []types.Message, bearer string) (transport.ChunkStream, context.CancelFunc, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)

	stream, err := s.client.ChatStream(callCtx, model, messages, bearer)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, aggerrors.NewCancelledError(ctx.Err().Error())
		}
		return nil, nil, aggerrors.NewGenerationError(model.Path(), err.Error())
	}

	return &nonEmptyStream{inner: stream}, cancel, nil
}

// nonEmptyStream drops empty chunks from the underlying stream.
type nonEmptyStream struct {
	inner transport.ChunkStream
}

func (s *nonEmptyStream) Recv() (string, error) {
	for {
		chunk, err := s.inner.Recv()
		if err != nil {
			return "", err
		}
		if chunk != "" {
			return chunk, nil
		}
	}
}

func (s *nonEmptyStream) Close() error {
	return s.inner.Close()
}

// Drain consumes a stream to completion, concatenating chunks. Used by
// callers that need the full text of an already-open stream.
func Drain(stream transport.ChunkStream) (string, error) {
	defer stream.Close()

	var out []byte
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
}
