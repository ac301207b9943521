// Package service wires configuration, producers, the muxer and its sinks
// into one runnable daemon.
//
// Data flow:
//
//	producers (synthetic | gstreamer) → muxer channels → events → MQTT + websocket
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/config"
	"github.com/e7canasta/orion-rgbd/emitter"
	"github.com/e7canasta/orion-rgbd/gstsource"
	"github.com/e7canasta/orion-rgbd/source"
	"github.com/e7canasta/orion-rgbd/wsstream"
)

const statsInterval = 10 * time.Second

// Producer feeds one muxer channel.
type Producer interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
}

// Service is the rgbdmux daemon
type Service struct {
	cfg *config.Config
	mux rgbdmux.Muxer

	producers map[string]Producer
	emitter   *emitter.MQTTEmitter
	hub       *wsstream.Hub
	server    *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool

	events     uint64
	sinkErrors uint64
	eos        atomic.Bool
}

// New creates the muxer, registers every configured channel and builds
// the producers and sinks. Nothing runs until Run.
func New(cfg *config.Config) (*Service, error) {
	mux, err := rgbdmux.New(cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("failed to create muxer: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		mux:       mux,
		producers: make(map[string]Producer, len(cfg.Channels)),
	}

	frs, err := cfg.Framerates()
	if err != nil {
		return nil, err
	}
	if err := mux.SetSupportedFramerates(frs); err != nil {
		return nil, fmt.Errorf("failed to set downstream framerates: %w", err)
	}

	for _, chCfg := range cfg.Channels {
		if err := s.addChannel(chCfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.Downstream.Formats) > 0 {
		fields := make(map[string]string, len(cfg.Downstream.Formats))
		for stream, format := range cfg.Downstream.Formats {
			fields[stream+"_format"] = format
		}
		matched := mux.HandleDownstreamFields(fields)
		slog.Info("service: downstream formats applied",
			"requested", len(fields),
			"matched", matched,
		)
	}

	if cfg.MQTT.Enabled {
		s.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
	}
	if cfg.WebSocket.Enabled {
		s.hub = wsstream.NewHub(cfg.WebSocket.ClientBuffer)
	}

	desc, err := mux.Descriptor()
	if err != nil {
		return nil, err
	}
	slog.Info("service: muxer configured",
		"instance_id", cfg.InstanceID,
		"streams", mux.OrderedNames(),
		"descriptor", desc.String(),
	)
	return s, nil
}

func (s *Service) addChannel(chCfg config.ChannelConfig) error {
	ch, err := s.mux.Add(chCfg.Name)
	if err != nil {
		return fmt.Errorf("failed to add channel %q: %w", chCfg.Name, err)
	}

	desc, err := chCfg.ParsedDescriptor()
	if err != nil {
		return fmt.Errorf("channel %q: %w", chCfg.Name, err)
	}
	if !desc.IsZero() {
		if err := ch.SetDescriptor(desc); err != nil {
			return fmt.Errorf("channel %q: %w", chCfg.Name, err)
		}
	}

	var p Producer
	switch chCfg.Source {
	case config.SourceGStreamer:
		p, err = gstsource.New(ch, s.mux, gstsource.Config{Pipeline: chCfg.Pipeline})
	default:
		p, err = source.NewSynthetic(ch, s.mux, syntheticConfig(chCfg, desc))
	}
	if err != nil {
		return fmt.Errorf("channel %q: %w", chCfg.Name, err)
	}
	s.producers[chCfg.Name] = p
	return nil
}

// syntheticConfig uses the configured fps, else the descriptor framerate, else 30.
func syntheticConfig(chCfg config.ChannelConfig, desc rgbdmux.Descriptor) source.SyntheticConfig {
	fps := chCfg.FPS
	if fps == 0 && desc.Framerate.Num > 0 && desc.Framerate.Den > 0 {
		fps = desc.Framerate.Float()
	}
	if fps == 0 {
		fps = 30
	}
	return source.SyntheticConfig{
		FPS:        fps,
		FrameBytes: chCfg.FrameBytes,
		Jitter:     time.Duration(chCfg.JitterMS) * time.Millisecond,
		StallEvery: chCfg.StallEvery,
		MaxFrames:  chCfg.MaxFrames,
		Seed:       uint64(rgbdmux.StreamPriority(chCfg.Name)) + 1,
	}
}

// Run starts every component and blocks until ctx is cancelled or every
// channel reached end of stream.
//
// Returns rgbdmux.ErrMuxerStopped if the muxer stopped on its own without
// end of stream.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}
	if s.hub != nil {
		s.startServer()
	}

	events, err := s.mux.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start muxer: %w", err)
	}

	for name, p := range s.producers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("failed to start producer %q: %w", name, err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx)
	}()

	slog.Info("service: running",
		"instance_id", s.cfg.InstanceID,
		"producers", len(s.producers),
		"mqtt", s.emitter != nil,
		"websocket", s.hub != nil,
	)

	for ev := range events {
		s.dispatch(ev)
	}

	switch {
	case s.eos.Load():
		slog.Info("service: all channels ended")
		return nil
	case ctx.Err() != nil:
		slog.Info("service: run loop exiting")
		return nil
	default:
		return rgbdmux.ErrMuxerStopped
	}
}

// dispatch hands one event to every enabled sink.
func (s *Service) dispatch(ev rgbdmux.Event) {
	atomic.AddUint64(&s.events, 1)
	if ev.Kind == rgbdmux.EventEOS {
		s.eos.Store(true)
	}

	if s.emitter != nil {
		if err := s.emitter.Emit(ev); err != nil {
			atomic.AddUint64(&s.sinkErrors, 1)
			slog.Warn("service: mqtt emit failed", "kind", ev.Kind.String(), "error", err)
		}
	}
	if s.hub != nil {
		if err := s.hub.Publish(ev); err != nil && !errors.Is(err, wsstream.ErrHubClosed) {
			atomic.AddUint64(&s.sinkErrors, 1)
			slog.Warn("service: websocket publish failed", "kind", ev.Kind.String(), "error", err)
		}
	}
}

func (s *Service) startServer() {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebSocket.Path, s.hub)
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)

	s.server = &http.Server{
		Addr:        s.cfg.WebSocket.Listen,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("service: starting websocket server",
		"listen", s.cfg.WebSocket.Listen,
		"endpoints", []string{s.cfg.WebSocket.Path, "/health", "/readiness"},
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("service: websocket server failed", "error", err)
		}
	}()
}

// logStats logs muxer statistics periodically.
func (s *Service) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.mux.Stats()
			if !st.Running {
				return
			}
			slog.Info("service: muxer stats",
				"framesets", st.FramesetsMuxed,
				"gaps", st.GapEvents,
				"missing_aborts", st.MissingAborts,
				"desync_aborts", st.DesyncAborts,
				"placeholders", st.GapPlaceholders,
				"discarded", st.TotalDiscarded(),
				"framerate", st.Framerate.String(),
			)
			for _, ch := range st.Channels {
				slog.Debug("service: channel stats",
					"stream", ch.Name,
					"received", ch.Received,
					"overwritten", ch.Overwritten,
					"discarded", ch.Discarded,
					"drop_rate", fmt.Sprintf("%.2f", ch.DropRate()),
				)
			}
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("service: shutting down")

	// 1. Stop producers first (no more pushes)
	for name, p := range s.producers {
		if err := p.Stop(); err != nil {
			slog.Error("service: failed to stop producer", "stream", name, "error", err)
		}
	}

	// 2. Stop the muxer (closes the event channel)
	if err := s.mux.Stop(); err != nil {
		slog.Error("service: failed to stop muxer", "error", err)
	}

	// 3. Stop sinks
	if s.hub != nil {
		s.hub.Close()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			slog.Error("service: failed to stop websocket server", "error", err)
		}
	}

	// 4. Wait for goroutines to finish
	s.wg.Wait()

	// 5. Disconnect MQTT
	if s.emitter != nil {
		s.emitter.Disconnect()
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	st := s.mux.Stats()
	slog.Info("service: shutdown complete",
		"uptime", uptime,
		"events", atomic.LoadUint64(&s.events),
		"framesets", st.FramesetsMuxed,
		"sink_errors", atomic.LoadUint64(&s.sinkErrors),
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// Muxer returns the underlying muxer.
func (s *Service) Muxer() rgbdmux.Muxer {
	return s.mux
}
