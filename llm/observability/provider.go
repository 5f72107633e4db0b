package observability

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestRecorder receives one call per finished stream. The Prometheus
// collector in internal/metrics satisfies it.
type RequestRecorder interface {
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// InstrumentedProvider traces every stream and records its outcome once the
// channel closes.
type InstrumentedProvider struct {
	inner    llm.Provider
	metrics  *Metrics
	recorder RequestRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewInstrumentedProvider wraps inner. recorder may be nil.
func NewInstrumentedProvider(inner llm.Provider, m *Metrics, recorder RequestRecorder, logger *zap.Logger) *InstrumentedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedProvider{
		inner:    inner,
		metrics:  m,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "llm_observability"), zap.String("provider", inner.Name())),
		now:      time.Now,
	}
}

// Name implements llm.Provider.
func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

// Stream implements llm.Provider.
func (p *InstrumentedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	attrs := RequestAttrs{Provider: p.inner.Name(), Model: req.Model, TraceID: req.TraceID}
	attrs.SessionID, _ = types.SessionID(ctx)
	attrs.TurnID, _ = types.TurnID(ctx)
	attrs.Agent, _ = types.AgentName(ctx)

	start := p.now()
	ctx, span := p.metrics.StartRequest(ctx, attrs)

	in, err := p.inner.Stream(ctx, req)
	if err != nil {
		resp := ResponseAttrs{Status: statusOf(ctx, err), ErrorCode: errorCode(err), Duration: p.now().Sub(start)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.finish(ctx, span, attrs, resp)
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		resp := ResponseAttrs{Status: "success"}
		calls := map[string]bool{}
		for chunk := range in {
			if resp.FirstChunk == 0 {
				resp.FirstChunk = p.now().Sub(start)
			}
			if chunk.Model != "" && attrs.Model == "" {
				attrs.Model = chunk.Model
			}
			if chunk.Usage != nil {
				resp.TokensPrompt = chunk.Usage.PromptTokens
				resp.TokensCompletion = chunk.Usage.CompletionTokens
			}
			for _, tc := range chunk.Delta.ToolCalls {
				if tc.ID != "" {
					calls[tc.ID] = true
				}
			}
			if chunk.Err != nil {
				resp.Status = "error"
				resp.ErrorCode = string(chunk.Err.Code)
				span.RecordError(chunk.Err)
				span.SetStatus(codes.Error, chunk.Err.Message)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// drain so the inner producer can exit
				for range in {
				}
				resp.Status = "cancelled"
				resp.ToolCalls = len(calls)
				resp.Duration = p.now().Sub(start)
				p.finish(context.WithoutCancel(ctx), span, attrs, resp)
				return
			}
		}
		if ctx.Err() != nil && resp.Status == "success" {
			resp.Status = "cancelled"
		}
		resp.ToolCalls = len(calls)
		resp.Duration = p.now().Sub(start)
		p.finish(context.WithoutCancel(ctx), span, attrs, resp)
	}()
	return out, nil
}

func (p *InstrumentedProvider) finish(ctx context.Context, span trace.Span, attrs RequestAttrs, resp ResponseAttrs) {
	p.metrics.EndRequest(ctx, span, attrs, resp)
	if p.recorder != nil {
		p.recorder.RecordLLMRequest(attrs.Provider, attrs.Model, resp.Status, resp.Duration, resp.TokensPrompt, resp.TokensCompletion)
	}
	if resp.Status == "error" {
		p.logger.Warn("completion failed",
			zap.String("model", attrs.Model),
			zap.String("turn_id", attrs.TurnID),
			zap.String("error_code", resp.ErrorCode))
		return
	}
	p.logger.Debug("completion finished",
		zap.String("model", attrs.Model),
		zap.String("status", resp.Status),
		zap.Duration("first_chunk", resp.FirstChunk),
		zap.Duration("duration", resp.Duration))
}

func statusOf(ctx context.Context, err error) string {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return "cancelled"
	}
	return "error"
}

func errorCode(err error) string {
	if te, ok := types.AsError(err); ok {
		return string(te.Code)
	}
	if errors.Is(err, context.Canceled) {
		return ""
	}
	return "UNKNOWN"
}

var _ llm.Provider = (*InstrumentedProvider)(nil)
