package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	instanceIDPattern  = regexp.MustCompile(`^[a-z0-9\-]+$`)
	channelNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate muxer policies
	m := cfg.Muxer.DeadlineMultiplier
	if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return fmt.Errorf("muxer.deadline_multiplier must be > 0, got %v", m)
	}
	if cfg.Muxer.OutputBuffer < 0 {
		return fmt.Errorf("muxer.output_buffer must be >= 0")
	}

	// Validate channels
	if err := ValidateChannels(cfg.Channels); err != nil {
		return fmt.Errorf("channel validation failed: %w", err)
	}

	// Validate downstream
	if _, err := cfg.Framerates(); err != nil {
		return fmt.Errorf("downstream.framerates: %w", err)
	}
	for stream := range cfg.Downstream.Formats {
		if !channelNamePattern.MatchString(stream) {
			return fmt.Errorf("downstream.formats: invalid stream name '%s'", stream)
		}
	}

	// Validate MQTT broker
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Framesets == "" {
		cfg.MQTT.Topics.Framesets = fmt.Sprintf("rgbd/framesets/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("rgbd/events/%s", cfg.InstanceID)
	}

	// Set websocket defaults
	if cfg.WebSocket.Listen == "" {
		cfg.WebSocket.Listen = ":8090"
	}
	if cfg.WebSocket.Path == "" {
		cfg.WebSocket.Path = "/rgbd"
	}
	if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path must start with '/'")
	}
	if cfg.WebSocket.ClientBuffer <= 0 {
		cfg.WebSocket.ClientBuffer = 8
	}

	return nil
}

// ValidateChannels validates channel definitions for correctness
func ValidateChannels(channels []ChannelConfig) error {
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	seen := make(map[string]bool, len(channels))
	for i := range channels {
		ch := &channels[i]

		if !channelNamePattern.MatchString(ch.Name) {
			return fmt.Errorf("channel %d: name '%s' must match pattern [a-z][a-z0-9]*", i, ch.Name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel '%s': duplicate name", ch.Name)
		}
		seen[ch.Name] = true

		if _, err := ch.ParsedDescriptor(); err != nil {
			return fmt.Errorf("channel '%s': %w", ch.Name, err)
		}

		switch ch.Source {
		case "", SourceSynthetic:
			ch.Source = SourceSynthetic
			if ch.FPS < 0 {
				return fmt.Errorf("channel '%s': fps must be >= 0", ch.Name)
			}
			if ch.FrameBytes <= 0 {
				ch.FrameBytes = 1024
			}
			if ch.JitterMS < 0 || ch.StallEvery < 0 {
				return fmt.Errorf("channel '%s': jitter_ms and stall_every must be >= 0", ch.Name)
			}

		case SourceGStreamer:
			if ch.Pipeline == "" {
				return fmt.Errorf("channel '%s': pipeline is required for gstreamer sources", ch.Name)
			}

		default:
			return fmt.Errorf("channel '%s': unknown source '%s' (must be 'synthetic' or 'gstreamer')",
				ch.Name, ch.Source)
		}
	}

	return nil
}
