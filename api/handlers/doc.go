// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 TurnFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了会话管理、同步回合、实时 WebSocket 会话、
音频订阅、资源池状态以及健康检查端点。所有 Handler 均遵循标准
net/http 接口，路由使用 Go 1.22 的方法与路径参数模式。

# 核心类型

  - SessionHandler    会话创建、查询、结束与同步回合
  - RealtimeHandler   把 WebSocket 连接适配为 voice.Transport 并交给事件驱动编排器
  - AudioHub          实现 voice.AudioOutput，把合成音频转发给订阅客户端
  - PoolHandler       资源池快照
  - HealthHandler     服务健康检查（/health, /healthz, /ready）
  - Response          统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter    包装 http.ResponseWriter 以捕获状态码，支持 Flush 与 Hijack

# 实时协议

客户端事件：speech.started、speech.stopped、input.final、response.delta、
tool_call、response.done。服务端命令：session.update、response.cancel、
tool.result、response.create、greet、notice、playback.stop、error。
每条连接的事件处理速率由 rate.Limiter 限制。

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteFailure / WriteJSON
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 可扩展健康检查：RegisterCheck 注册 FuncCheck、会话存储与资源池检查
*/
package handlers
