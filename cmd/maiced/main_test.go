package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
)

func TestMustParseLevel(t *testing.T) {
	assert.Equal(t, logging.LevelDebug, mustParseLevel("debug"))
	assert.Equal(t, logging.LevelInfo, mustParseLevel("nonsense"))
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "maiced", root.Use)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["evaluate"])
	assert.True(t, names["migrate"])

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestNewEvaluateCmdRegistersFlags(t *testing.T) {
	cmd := newEvaluateCmd()
	assert.NotNil(t, cmd.Flags().Lookup("session-id"))
	assert.NotNil(t, cmd.Flags().Lookup("all"))
	assert.NotNil(t, cmd.Flags().Lookup("only-unevaluated"))
}

func TestNewMigrateCmdHasNoRequiredFlags(t *testing.T) {
	cmd := newMigrateCmd()
	assert.Equal(t, "migrate", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestNewServeCmdValidatesConfigBeforeRunning(t *testing.T) {
	cmd := newServeCmd()
	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	// An unsupported orchestrator mode is rejected before anything is dialed.
	t.Setenv("MAICE_ORCHESTRATOR_MODE", "decentralized")
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.True(t, merr.IsKind(err, merr.KindValidation))
}
