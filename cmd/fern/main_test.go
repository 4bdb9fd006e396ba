package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
)

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"harvest", "discover", "load-transactions", "resolve", "score", "migrate", "serve"}, names)

	harvest, _, err := root.Find([]string{"harvest"})
	require.NoError(t, err)
	for _, flag := range []string{"mode", "resume", "limit", "target", "cells", "refresh"} {
		assert.NotNil(t, harvest.Flags().Lookup(flag), flag)
	}
	assert.Equal(t, "diff", harvest.Flags().Lookup("mode").DefValue)

	resolve, _, err := root.Find([]string{"resolve"})
	require.NoError(t, err)
	for _, flag := range []string{"strategy", "limit", "target", "all", "resume"} {
		assert.NotNil(t, resolve.Flags().Lookup(flag), flag)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{name: "production", cfg: config.Config{LogLevel: "info"}},
		{name: "pretty", cfg: config.Config{LogLevel: "debug", PrettyLogs: true}},
		{name: "bad level", cfg: config.Config{LogLevel: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, sync, err := newLogger(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			sync()
		})
	}
}
