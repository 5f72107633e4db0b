package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/turnflow/llm"

// Metrics LLM 指标收集器
type Metrics struct {
	tracer trace.Tracer
	// 计数器
	requestTotal metric.Int64Counter
	tokenTotal   metric.Int64Counter
	errorTotal   metric.Int64Counter
	// 直方图
	requestDuration metric.Float64Histogram
	firstChunk      metric.Float64Histogram
	// 活跃请求
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics 基于全局 MeterProvider/TracerProvider 创建指标收集器
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewMetricsWith 使用指定的 Provider 创建指标收集器
func NewMetricsWith(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{tracer: tp.Tracer(instrumentationName)}

	var err error

	m.requestTotal, err = meter.Int64Counter("llm.request.total",
		metric.WithDescription("Total number of streamed completion requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	m.tokenTotal, err = meter.Int64Counter("llm.token.total",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.errorTotal, err = meter.Int64Counter("llm.error.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram("llm.request.duration",
		metric.WithDescription("Stream duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	if err != nil {
		return nil, err
	}

	// 首个增量的到达时间决定了语音开口延迟
	m.firstChunk, err = meter.Float64Histogram("llm.request.first_chunk",
		metric.WithDescription("Time to first streamed chunk in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5))
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64UpDownCounter("llm.request.active",
		metric.WithDescription("Number of open completion streams"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RequestAttrs 请求属性
type RequestAttrs struct {
	Provider  string
	Model     string
	SessionID string
	TurnID    string
	Agent     string
	TraceID   string
}

// ResponseAttrs 响应属性
type ResponseAttrs struct {
	Status           string
	ErrorCode        string
	TokensPrompt     int
	TokensCompletion int
	FirstChunk       time.Duration
	Duration         time.Duration
	ToolCalls        int
}

func (a RequestAttrs) metricAttrs() metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("provider", a.Provider),
		attribute.String("model", a.Model))
}

// StartRequest 开始请求追踪
func (m *Metrics) StartRequest(ctx context.Context, attrs RequestAttrs) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "llm.completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", attrs.Provider),
			attribute.String("llm.model", attrs.Model),
			attribute.String("session.id", attrs.SessionID),
			attribute.String("turn.id", attrs.TurnID),
			attribute.String("agent.name", attrs.Agent),
		))

	m.activeRequests.Add(ctx, 1, attrs.metricAttrs())
	return ctx, span
}

// EndRequest 结束请求追踪
func (m *Metrics) EndRequest(ctx context.Context, span trace.Span, req RequestAttrs, resp ResponseAttrs) {
	defer span.End()

	common := metric.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.String("status", resp.Status))

	m.activeRequests.Add(ctx, -1, req.metricAttrs())
	m.requestTotal.Add(ctx, 1, common)
	m.requestDuration.Record(ctx, resp.Duration.Seconds(), common)
	if resp.FirstChunk > 0 {
		m.firstChunk.Record(ctx, resp.FirstChunk.Seconds(), req.metricAttrs())
	}

	if resp.TokensPrompt > 0 || resp.TokensCompletion > 0 {
		m.tokenTotal.Add(ctx, int64(resp.TokensPrompt), metric.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("model", req.Model),
			attribute.String("type", "prompt")))
		m.tokenTotal.Add(ctx, int64(resp.TokensCompletion), metric.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("model", req.Model),
			attribute.String("type", "completion")))
	}

	if resp.ErrorCode != "" {
		m.errorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("model", req.Model),
			attribute.String("error_code", resp.ErrorCode)))
		span.SetAttributes(attribute.String("error.code", resp.ErrorCode))
	}

	span.SetAttributes(
		attribute.String("llm.status", resp.Status),
		attribute.Int("llm.tokens.prompt", resp.TokensPrompt),
		attribute.Int("llm.tokens.completion", resp.TokensCompletion),
		attribute.Int("llm.tool_calls", resp.ToolCalls),
		attribute.Float64("llm.first_chunk_ms", float64(resp.FirstChunk.Milliseconds())),
		attribute.Float64("llm.duration_ms", float64(resp.Duration.Milliseconds())))
}
