// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义流式补全客户端的最小契约。

# 核心类型

  - Provider         流式补全接口，Stream 返回增量片段通道
  - ChatRequest      一次补全请求：消息、工具 schema、tool_choice
  - StreamChunk      单个增量片段，Err 非空表示流中断
  - StreamAssembler  将增量片段合并为完整文本与工具调用
  - BreakerProvider  基于 sony/gobreaker 的熔断包装

具体实现位于 llm/providers/openaicompat，指标与追踪包装位于 llm/observability。
*/
package llm
