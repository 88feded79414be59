package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
)

func debugEnabled() bool {
	return logger.L().Enabled(context.Background(), slog.LevelDebug)
}

func setVerboseFlag(t *testing.T, value string) {
	t.Helper()
	flag := rootCmd.PersistentFlags().Lookup("verbose")
	require.NoError(t, flag.Value.Set(value))
	flag.Changed = true
	t.Cleanup(func() {
		require.NoError(t, flag.Value.Set("false"))
		flag.Changed = false
	})
}

func TestVerbosity(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		flag  string
		debug bool
	}{
		{name: "default", debug: false},
		{name: "env enables debug", env: "true", debug: true},
		{name: "flag enables debug", flag: "true", debug: true},
		{name: "flag overrides env", env: "true", flag: "false", debug: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { logger.SetVerbose(false) })
			t.Setenv(logger.DebugEnv, tt.env)
			if tt.flag != "" {
				setVerboseFlag(t, tt.flag)
			}

			rootCmd.PersistentPreRun(versionCmd, nil)
			assert.Equal(t, tt.debug, debugEnabled())
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"run", "import", "stats", "watch", "serve", "config", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	for _, flag := range []string{"dataset-path", "colmap-path", "config", "verbose"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}
