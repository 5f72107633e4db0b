// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 voice 实现语音会话的回合编排：会话状态机、同步回合模式与
事件驱动（实时）模式，以及二者共享的原子化智能体切换。

# 会话

Session 是一次通话的内存视图：当前活跃智能体、已访问集合与回合状态
IDLE → PROCESSING → (IDLE | PROCESSING_HANDOFF → PROCESSING)。
持久数据保存在绑定的 persistence.SessionState 中。同一会话的回合通过
容量为 1 的闸门串行执行，等待者按到达顺序获得执行权。

切换智能体时先写存储（活跃智能体、已访问集合、转移上下文一次写入，
随后为目标线程写入种子消息），全部成功后才更新内存；任何一步失败都会回滚。

# 同步回合

Orchestrator.ProcessTurn 流式请求补全，SentenceBuffer 在句末标点且长度达到
MinChunkLength 时把句子交给 SpeechSink。工具循环受 MaxToolIterations 约束，
达到上限时返回部分结果并记录警告；转移不计入迭代次数，新智能体在同一回合内
基于自己的线程继续回答。

# 实时模式

RealtimeOrchestrator.Run 以单一 actor 循环消费 Transport 的类型化事件，
每种事件对应一个处理函数。用户插话（barge-in）时依次停止播放、取消响应、
向上游发送通知，然后才读取下一个事件；已产生的部分文本保留在线程中。

# 会话注册表

SessionRegistry 由传输层持有并显式传递，负责会话的创建、查找与结束，
结束时清理存储并执行注册的钩子（例如释放资源池中的专属句柄）。
*/
package voice
