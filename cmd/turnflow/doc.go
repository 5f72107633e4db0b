// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 TurnFlow 语音编排服务的程序入口。

# 概述

cmd/turnflow 加载 YAML 配置与路由场景，构建会话存储、TTS 资源池、
补全客户端与两种模式的回合编排器，并通过 HTTP/WebSocket 对外提供服务。

# 子命令

  - serve     启动 API 与 Metrics 两个端点
  - validate  校验配置与路由场景，打印每个 agent 的移交工具
  - health    请求运行中实例的 /ready
  - version   打印构建信息

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → Metrics →
RequestLogger → APIKeyAuth。APIKeyAuth 只保护 /api/ 路径，
WebSocket 握手可以使用 api_key 查询参数。

# 关闭顺序

收到信号后先停止 HTTP，再关闭资源池（释放全部实例）、会话存储，
最后刷新遥测导出器。
*/
package main
