// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 speech 提供语音合成 (TTS) 接入层以及可池化的合成句柄。

# 核心类型

  - TTSProvider：文本转语音接口，OpenAITTSProvider 为其 HTTP 实现。
  - Warmer：可选接口，提供者在首次使用前预建连接。
  - SynthesisClient：可放入资源池的合成句柄，绑定会话 ID、声音覆盖
    与用量计数；ClearSessionState 在句柄复用前清除这些会话关联数据。

# 与资源池配合

NewFactory 与 Warm 分别作为 pool.Factory 与 pool.WarmFunc 使用：

	p, err := pool.New(cfg, speech.NewFactory(provider), logger,
	    pool.WithWarmFunc(speech.Warm))
*/
package speech
