// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 实现会话内智能体之间的控制权转移：路由图（Scenario）、
转移解析（Resolver）与问候语选择。

# 路由图

ScenarioDefinition 以 YAML 声明合法的转移边
{from, to, trigger, mode, share_context, extra_context}，以及默认模式、
通用转移白名单与死端策略。NewScenario 在加载时校验：所有边的两端、
起始智能体与白名单中的名称都必须在智能体注册表中存在，否则整体失败。

死端（从起始智能体可达、但无法回到起始智能体的智能体）按 DeadEndPolicy
处理：allow 记录调试日志，warn 记录警告，reject 拒绝加载。

# 解析

Resolver.Resolve 是纯函数，不修改会话状态：

  - 静态触发器按 (source, trigger) 查找边；
  - 通用转移先查找显式边，再检查白名单；
  - 找不到路由时返回 Success=false 与 ROUTING_NOT_FOUND 错误，属于正常结果。

上下文按优先级由低到高合并：会话上下文（仅当 share_context）、
以会话数据渲染的 extra_context 模板、触发转移的工具数据；随后剔除
handoff、target_agent 等控制键。

# 问候语

SelectGreeting 依次考虑：上下文中的 greeting 覆盖、discrete 模式不问候、
未访问过的目标使用入口问候、已访问过的目标使用回归问候。
*/
package handoff
