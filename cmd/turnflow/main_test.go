package main

import (
	"path/filepath"
	"testing"

	"github.com/BaSui01/turnflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLoadRouting_SampleDeployment(t *testing.T) {
	agents, scenario, err := loadRouting(config.ScenarioConfig{
		AgentsPath:   filepath.Join("..", "..", "deployments", "agents.yaml"),
		ScenarioPath: filepath.Join("..", "..", "deployments", "scenario.yaml"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Concierge", "Billing", "Fraud"}, agents.Names())
	assert.Equal(t, "Concierge", scenario.StartAgent())
	assert.Empty(t, scenario.DeadEnds())
	assert.Contains(t, scenario.HandoffTools("Concierge"), "handoff_billing")
	assert.Contains(t, scenario.HandoffTools("Billing"), "handoff_fraud")
}

func TestLoadRouting_MissingFiles(t *testing.T) {
	_, _, err := loadRouting(config.ScenarioConfig{
		AgentsPath:   filepath.Join(t.TempDir(), "agents.yaml"),
		ScenarioPath: filepath.Join(t.TempDir(), "scenario.yaml"),
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console"})
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{"stderr"}})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
}
