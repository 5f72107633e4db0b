// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 testutil 提供 TurnFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 数据工具: MustJSON / CollectStreamContent / EntryKinds
  - Redis 辅助: NewRedis 基于 miniredis 启动内存实例

# 子包

  - testutil/mocks: 脚本化的 MockProvider（流式补全）、MockTool、
    MockTTSProvider，均记录调用并支持错误注入
  - testutil/fixtures: 银行客服场景的智能体目录、路由图与工具调用样例

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider(mocks.TextReply("Hello there."))
	agents := fixtures.BankingAgents(t)
*/
package testutil
