// 版权所有 2024 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 TurnFlow 的配置加载与校验。
//
// 配置来源依次为默认值、YAML 文件与 TURNFLOW_ 前缀的环境变量，
// 嵌套字段按 env 标签拼接，例如 TURNFLOW_POOL_WARM_POOL_SIZE。
package config
