// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理一组 HTTP 端点（业务 API 与 Prometheus 指标）的
生命周期：统一绑定、后台服务与并发优雅关闭。

# 核心类型

  - Manager：持有多个 http.Server 与监听器。Start 在任一端点
    绑定失败时释放已绑定的端口；Shutdown 通过 errgroup 并发排空。
  - Config：单个端点的监听地址与超时设置。

# 主要能力

  - Run：阻塞直至 ctx 结束或任一端点异常退出，然后优雅关闭。
  - Errors：异步错误通道，供调用方监控服务异常。
  - Addr：返回实际监听地址，便于测试绑定 127.0.0.1:0。
*/
package server
