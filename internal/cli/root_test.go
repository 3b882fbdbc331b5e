package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgerd", cmd.Use)
	assert.Contains(t, cmd.Long, "event log")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"append", "read", "tail", "streams", "checkpoint", "verify", "conflicts"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestAppendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	appendCmd, _, err := cmd.Find([]string{"append"})
	require.NoError(t, err)

	require.NotNil(t, appendCmd.Flags().Lookup("key"))
	expectFlag := appendCmd.Flags().Lookup("expect")
	require.NotNil(t, expectFlag)
	assert.Equal(t, "0", expectFlag.DefValue)
	require.NotNil(t, appendCmd.Flags().Lookup("payload"))
}

func TestReadCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	readCmd, _, err := cmd.Find([]string{"read"})
	require.NoError(t, err)

	fromFlag := readCmd.Flags().Lookup("from")
	require.NotNil(t, fromFlag)
	assert.Equal(t, "1", fromFlag.DefValue)

	limitFlag := readCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "0", limitFlag.DefValue)
}

func TestTailCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tailCmd, _, err := cmd.Find([]string{"tail"})
	require.NoError(t, err)

	clientFlag := tailCmd.Flags().Lookup("client")
	require.NotNil(t, clientFlag)
	assert.Equal(t, "cli", clientFlag.DefValue)

	require.NotNil(t, tailCmd.Flags().Lookup("from"))
	require.NotNil(t, tailCmd.Flags().Lookup("ack"))
}

func TestCheckpointCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	cpCmd, _, err := cmd.Find([]string{"checkpoint"})
	require.NoError(t, err)

	require.NotNil(t, cpCmd.Flags().Lookup("floor"))
	pruneFlag := cpCmd.Flags().Lookup("prune")
	require.NotNil(t, pruneFlag)
	assert.Equal(t, "false", pruneFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "streams"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
