package service

import (
	"encoding/json"
	"net/http"
	"time"
)

// ChannelHealth contains per-channel delivery metrics
type ChannelHealth struct {
	Received    uint64  `json:"received"`
	Overwritten uint64  `json:"overwritten"`
	Discarded   uint64  `json:"discarded"`
	DropRate    float64 `json:"drop_rate"`
	EOS         bool    `json:"eos"`
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status           string                   `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64                    `json:"uptime_seconds"`
	MuxerRunning     bool                     `json:"muxer_running"`
	MQTTConnected    bool                     `json:"mqtt_connected"`
	WebSocketClients int                      `json:"websocket_clients"`
	FramesetsMuxed   uint64                   `json:"framesets_muxed"`
	GapEvents        uint64                   `json:"gap_events"`
	Framerate        string                   `json:"framerate"`
	Channels         map[string]ChannelHealth `json:"channels,omitempty"`
}

// HealthCheck returns the current health status of the service.
//
// Degraded means the muxer runs but a channel has ended or the MQTT
// connection is down.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running, started := s.isRunning, s.started
	s.mu.RUnlock()

	st := s.mux.Stats()
	status := HealthStatus{
		Status:         "healthy",
		MuxerRunning:   st.Running,
		FramesetsMuxed: st.FramesetsMuxed,
		GapEvents:      st.GapEvents,
		Framerate:      st.Framerate.String(),
		Channels:       make(map[string]ChannelHealth, len(st.Channels)),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}
	if s.hub != nil {
		status.WebSocketClients = len(s.hub.Stats().Clients)
	}

	degraded := s.emitter != nil && !status.MQTTConnected
	for _, ch := range st.Channels {
		status.Channels[ch.Name] = ChannelHealth{
			Received:    ch.Received,
			Overwritten: ch.Overwritten,
			Discarded:   ch.Discarded,
			DropRate:    ch.DropRate(),
			EOS:         ch.EOS,
		}
		if ch.EOS {
			degraded = true
		}
	}

	switch {
	case !running || !st.Running:
		status.Status = "unhealthy"
	case degraded:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (the process is alive)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Returns 503 while unhealthy.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}
