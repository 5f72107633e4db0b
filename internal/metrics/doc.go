// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、LLM、
语音回合与资源池四个维度。

# 核心类型

  - Collector：通过 promauto.With 注册到指定 Registerer 的向量指标，
    同时实现 voice.Recorder，由编排器直接调用。
  - PoolCollector：在抓取时读取 pool.Snapshotter 快照并导出
    常量指标，不持有任何计数状态。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：流式补全次数、耗时与 Token 用量。
  - 回合指标：回合结果、移交成功率、工具调用、打断次数与首响应延迟。
  - 资源池指标：各层级分配次数、预热与构造失败、淘汰与异常归还。
*/
package metrics
