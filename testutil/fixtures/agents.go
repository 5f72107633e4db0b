// =============================================================================
// 📦 测试数据工厂 - 智能体与路由图
// =============================================================================
// 提供银行客服场景的智能体目录与路由图，用于测试
// =============================================================================
package fixtures

import (
	"testing"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🤖 智能体目录
// =============================================================================

// BankingCatalogYAML 是银行客服场景的智能体目录
const BankingCatalogYAML = `
agents:
  - name: Concierge
    description: Front desk
    voice: alloy
    prompt: "You are the front desk of {{.bank_name}}. The caller is {{.caller_name}}."
    tools: [lookup_account]
    greetings:
      entry: "Hello, thanks for calling. How can I help?"
      return: "Welcome back, {{.caller_name}}. Anything else?"
  - name: Billing
    description: Billing specialist
    voice: onyx
    prompt: "You handle billing for {{.caller}}. Reason: {{.reason}}."
    tools: [lookup_account, issue_refund]
    greetings:
      entry: "Billing desk, I can help with that."
      return: "Back in billing."
  - name: Fraud
    description: Fraud investigations
    voice: nova
    prompt: "You investigate suspicious activity."
    greetings:
      entry: "Fraud team here. Let's secure your account."
`

// BankingScenarioYAML 是银行客服场景的路由图
const BankingScenarioYAML = `
name: banking
start_agent: Concierge
default_mode: announced
share_context_default: true
dead_end_policy: warn
generic_handoff:
  enabled: true
  allowed_targets: [Fraud]
  mode: announced
edges:
  - from: Concierge
    to: Billing
    trigger: handoff_billing
    mode: discrete
    extra_context:
      caller: "{{.caller_name}}"
  - from: Billing
    to: Concierge
    trigger: handoff_concierge
    mode: announced
  - from: Fraud
    to: Concierge
    trigger: handoff_concierge
    mode: announced
`

// BankingAgents 返回银行场景的智能体注册表
func BankingAgents(t testing.TB) *agent.Registry {
	t.Helper()
	catalog, err := agent.LoadCatalog([]byte(BankingCatalogYAML), "yaml")
	require.NoError(t, err)
	r, err := agent.BuildRegistry(catalog, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

// BankingScenario 返回基于 agents 校验过的银行场景路由图
func BankingScenario(t testing.TB, agents *agent.Registry) *handoff.Scenario {
	t.Helper()
	def, err := handoff.ParseScenario([]byte(BankingScenarioYAML))
	require.NoError(t, err)
	s, err := handoff.NewScenario(*def, agents, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}
