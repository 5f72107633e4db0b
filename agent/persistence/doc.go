// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供按会话划分的状态存储：核心键值记忆与按智能体划分的消息线程。

# 概述

每个会话拥有两类状态：扁平的 core memory（当前活跃智能体、已访问集合、
任意槽位）以及每个智能体一条有序、只追加的消息线程。结构化的工具调用与
工具结果条目按原样往返，不会退化为纯文本。

# 核心类型

  - Store: 会话存储入口，通过 Session(id) 获取绑定单个会话的句柄，
    公开接口中不存在跨会话读写。
  - SessionState: 单会话状态，提供 Append / SeedIfEmpty / Thread /
    Get / Set / SetMany / Snapshot。
  - StoreConfig / RedisStoreConfig: 存储类型选择与 Redis 连接配置。

# 后端

  - memory: 进程内存储，适用于开发测试与单节点部署（默认）。
  - redis: 核心记忆使用 Hash，线程使用 List，智能体集合使用 Set，
    写入时刷新会话 TTL；SeedIfEmpty 通过 Lua 脚本保证原子性。
*/
package persistence
