// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package agent 定义语音场景中的 agent 描述与注册表。

# 概述

Agent 是一个只读的角色描述：名称、用途说明、指令模板、问候语模板、
可用工具名以及语音设置。它本身不执行任何推理，回合编排由 agent/voice
负责，agent 之间的移交关系由 agent/handoff 描述。

# 核心类型

  - Definition  YAML/JSON 目录中的一条 agent 定义
  - Catalog     从文件加载的 agent 目录
  - Descriptor  Agent 接口的默认实现，模板在构造时编译
  - Registry    按名称查找 agent，名称唯一

# 模板

指令与问候语使用 text/template，渲染时传入会话变量。
问候语分为首次进入（entry）与回到已访问 agent（return）两类。
*/
package agent
