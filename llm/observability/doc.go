// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 observability 为流式补全提供 OpenTelemetry 追踪与指标。

# 核心类型

  - Metrics：基于 OpenTelemetry Meter 的收集器，记录请求数、
    Token 用量、错误数、流时长、首个增量延迟与活跃流数量。
  - InstrumentedProvider：包装任意 llm.Provider，为每次 Stream
    打开 llm.completion Span，在通道关闭时结束 Span 并上报结果；
    可选的 RequestRecorder 同步写入 Prometheus 指标。

Span 属性从 ctx 读取会话、回合与智能体标识，
因此语音回合与对应的补全请求可以在同一条链路中查看。
*/
package observability
