package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-rgbd/config"
)

func TestValidateCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", "../../config/testdata/rgbdmux.yaml"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "[depth color camerameta]")
	assert.Contains(t, out.String(), "video/rgbd")
	assert.Contains(t, out.String(), "depth_format=(string)GRAY16_LE")
}

func TestValidateCommand_MissingConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", "does-not-exist.yaml"})

	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "rgbdmux "+version+"\n", out.String())
}

func TestForceSynthetic(t *testing.T) {
	cfg := &config.Config{Channels: []config.ChannelConfig{
		{Name: "depth", Source: config.SourceGStreamer, Pipeline: "videotestsrc ! appsink name=sink"},
		{Name: "color", Source: config.SourceSynthetic, FrameBytes: 64},
	}}

	forceSynthetic(cfg)

	assert.Equal(t, config.SourceSynthetic, cfg.Channels[0].Source)
	assert.Empty(t, cfg.Channels[0].Pipeline)
	assert.Equal(t, 1024, cfg.Channels[0].FrameBytes)
	assert.Equal(t, 64, cfg.Channels[1].FrameBytes)
}
