// Package config loads the rgbdmux daemon configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	rgbdmux "github.com/e7canasta/orion-rgbd"
)

// Source kinds for a channel.
const (
	SourceSynthetic = "synthetic"
	SourceGStreamer = "gstreamer"
)

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Muxer            MuxerConfig      `yaml:"muxer"`
	Channels         []ChannelConfig  `yaml:"channels"`
	Downstream       DownstreamConfig `yaml:"downstream"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
	WebSocket        WebSocketConfig  `yaml:"websocket"`
}

// MuxerConfig contains the muxer policies
type MuxerConfig struct {
	DropIfMissing      bool    `yaml:"drop_if_missing"`
	DropToSynchronise  *bool   `yaml:"drop_to_synchronise"` // nil = default (true)
	DeadlineMultiplier float64 `yaml:"deadline_multiplier"` // 0 = default (2.5)
	SendGapEvents      bool    `yaml:"send_gap_events"`
	OutputBuffer       int     `yaml:"output_buffer"`
}

// ChannelConfig defines one input channel and its producer
type ChannelConfig struct {
	Name       string `yaml:"name"`
	Source     string `yaml:"source"`     // synthetic, gstreamer
	Descriptor string `yaml:"descriptor"` // caps-like, e.g. video/x-raw,format=GRAY16_LE,width=848,height=480,framerate=30/1

	// synthetic
	FPS        float64 `yaml:"fps"`         // default: descriptor framerate, else 30
	FrameBytes int     `yaml:"frame_bytes"` // payload size (default: 1024)
	JitterMS   int     `yaml:"jitter_ms"`   // max random PTS offset
	StallEvery int     `yaml:"stall_every"` // skip 1 frame every N (0 = never)
	MaxFrames  uint64  `yaml:"max_frames"`  // end of stream after N frames (0 = never)

	// gstreamer
	Pipeline string `yaml:"pipeline"` // ends with "appsink name=sink"
}

// DownstreamConfig contains what the downstream consumer accepts
type DownstreamConfig struct {
	Framerates []string          `yaml:"framerates"` // e.g. ["30/1", "15/1"], empty = any
	Formats    map[string]string `yaml:"formats"`    // stream → requested format
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool       `yaml:"enabled"`
	Broker  string     `yaml:"broker"`
	Topics  MQTTTopics `yaml:"topics"`
	QoS     byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Framesets string `yaml:"framesets"`
	Events    string `yaml:"events"` // gap, descriptor, eos
}

// WebSocketConfig contains the frameset fan-out endpoint
type WebSocketConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`        // default: :8090
	Path         string `yaml:"path"`          // default: /rgbd
	ClientBuffer int    `yaml:"client_buffer"` // per-client queue (default: 8)
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Settings converts the muxer section into muxer settings, defaults applied.
func (c *Config) Settings() rgbdmux.Settings {
	s := rgbdmux.DefaultSettings()
	s.DropIfMissing = c.Muxer.DropIfMissing
	if c.Muxer.DropToSynchronise != nil {
		s.DropToSynchronise = *c.Muxer.DropToSynchronise
	}
	if c.Muxer.DeadlineMultiplier != 0 {
		s.DeadlineMultiplier = c.Muxer.DeadlineMultiplier
	}
	s.SendGapEvents = c.Muxer.SendGapEvents
	if c.Muxer.OutputBuffer != 0 {
		s.OutputBuffer = c.Muxer.OutputBuffer
	}
	return s
}

// Framerates parses downstream.framerates.
func (c *Config) Framerates() ([]rgbdmux.Fraction, error) {
	out := make([]rgbdmux.Fraction, 0, len(c.Downstream.Framerates))
	for _, s := range c.Downstream.Framerates {
		fr, err := rgbdmux.ParseFraction(s)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, nil
}

// ParsedDescriptor parses the channel descriptor (zero value if empty).
func (ch ChannelConfig) ParsedDescriptor() (rgbdmux.Descriptor, error) {
	if ch.Descriptor == "" {
		return rgbdmux.Descriptor{}, nil
	}
	return rgbdmux.ParseDescriptor(ch.Descriptor)
}
