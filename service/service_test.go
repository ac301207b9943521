package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/config"
)

func loadConfig(t *testing.T, data string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)
	return cfg
}

const finiteConfig = `
instance_id: lab
channels:
  - name: color
    descriptor: video/x-raw,format=RGB,width=640,height=480,framerate=30/1
    fps: 100
    max_frames: 20
  - name: depth
    descriptor: video/x-raw,format=GRAY16_LE,width=640,height=480,framerate=30/1
    fps: 100
    max_frames: 20
downstream:
  formats:
    color: BGR
`

func TestNew_RegistersChannels(t *testing.T) {
	s, err := New(loadConfig(t, finiteConfig))
	require.NoError(t, err)

	mux := s.Muxer()
	assert.Equal(t, []string{"depth", "color"}, mux.OrderedNames())

	desc, err := mux.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, rgbdmux.NewFraction(30, 1), desc.Framerate)
	format, ok := desc.Field("depth_format")
	require.True(t, ok)
	assert.Equal(t, "GRAY16_LE", format)

	color, ok := mux.Lookup("color")
	require.True(t, ok)
	assert.Equal(t, "BGR", color.PreferredFormat())

	assert.Len(t, s.producers, 2)
	assert.Equal(t, 5*time.Second, s.ShutdownTimeout())
}

func TestRun_EndsOnEndOfStream(t *testing.T) {
	s, err := New(loadConfig(t, finiteConfig))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err(), "run returned because of the timeout")

	st := s.Muxer().Stats()
	assert.Greater(t, st.FramesetsMuxed, uint64(0))
	assert.True(t, s.eos.Load())

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestRun_CancelledContext(t *testing.T) {
	s, err := New(loadConfig(t, `
instance_id: lab
channels:
  - name: depth
    fps: 30
`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Muxer().Stats().FramesetsMuxed > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "healthy", s.HealthCheck().Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestRun_Twice(t *testing.T) {
	s, err := New(loadConfig(t, finiteConfig))
	require.NoError(t, err)
	s.isRunning = true

	assert.Error(t, s.Run(context.Background()))
}

func TestReadiness_NotRunning(t *testing.T) {
	s, err := New(loadConfig(t, finiteConfig))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Channels, "depth")

	rec = httptest.NewRecorder()
	s.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyntheticConfig_FPSFallback(t *testing.T) {
	d, err := rgbdmux.ParseDescriptor("video/x-raw,framerate=15/1")
	require.NoError(t, err)

	assert.Equal(t, 15.0, syntheticConfig(config.ChannelConfig{Name: "depth"}, d).FPS)
	assert.Equal(t, 60.0, syntheticConfig(config.ChannelConfig{Name: "depth", FPS: 60}, d).FPS)
	assert.Equal(t, 30.0, syntheticConfig(config.ChannelConfig{Name: "depth"}, rgbdmux.Descriptor{}).FPS)

	cfg := syntheticConfig(config.ChannelConfig{Name: "color", JitterMS: 3, MaxFrames: 7}, d)
	assert.Equal(t, 3*time.Millisecond, cfg.Jitter)
	assert.Equal(t, uint64(7), cfg.MaxFrames)
}
