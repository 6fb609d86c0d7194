package main

import (
	"bytes"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markerswitch/config"
)

func TestApplyFlagsOnlyExplicit(t *testing.T) {
	cfg := config.Default()
	cfg.SceneFrom = "From file"
	cfg.SceneTo = "To file"

	require.NoError(t, flag.CommandLine.Parse([]string{"-scene-to=Close-up", "-stable-frames=4", "-no-provision", "-debug"}))
	applyFlags(cfg)

	assert.Equal(t, "From file", cfg.SceneFrom, "unset flags leave the config alone")
	assert.Equal(t, "Close-up", cfg.SceneTo)
	assert.Equal(t, 4, cfg.StableFrames)
	assert.Equal(t, config.Default().AbsentFrames, cfg.AbsentFrames)
	assert.False(t, cfg.Sink.Provision)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging(config.LogConfig{Level: "DEBUG", Format: "json"}))
	assert.NoError(t, setupLogging(config.LogConfig{Level: "info"}))
	assert.Error(t, setupLogging(config.LogConfig{Level: "loud"}))
	assert.Error(t, setupLogging(config.LogConfig{Level: "info", Format: "xml"}))
}

func TestPrintDictionaries(t *testing.T) {
	var buf bytes.Buffer
	printDictionaries(&buf)
	out := buf.String()
	assert.Contains(t, out, "DICT_4X4_50")
	assert.Contains(t, out, "DICT_APRILTAG_36h11")
	assert.Contains(t, out, "1280x720")
}
