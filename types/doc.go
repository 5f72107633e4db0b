// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 turnflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、voice、
api 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Entry              会话线程条目（封闭的和类型）
  - UserMessage / AssistantTextMessage / AssistantToolCallMessage / ToolResultMessage
  - Message            发送给补全模型的扁平消息
  - ToolCall           模型发起的工具调用
  - ToolSchema         工具定义（name + description + JSON Schema parameters）
  - Error / ErrorCode  结构化错误体系，含 Retryable、Provider 标记

# 主要能力

  - 条目编解码：MarshalEntry / UnmarshalEntry（带 kind 的信封格式，精确往返）
  - Context 传播：WithTraceID / WithSessionID / WithTurnID / WithAgentName
  - 错误工具链：AsError / IsErrorCode / IsRetryable
*/
package types
