// Package source provides producers that feed muxer channels.
package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/meta"
)

// Sink is the channel a producer feeds. *rgbdmux.Channel implements it.
type Sink interface {
	Name() string
	Push(b *meta.Buffer) error
	EndOfStream()
}

// Clock supplies the running time used as PTS. rgbdmux.Muxer implements it.
type Clock interface {
	RunningTime() time.Duration
}

// SyntheticConfig configures a Synthetic producer.
type SyntheticConfig struct {
	FPS        float64       // frames per second (> 0)
	FrameBytes int           // payload size, at least 8 (sequence number)
	Jitter     time.Duration // max random PTS offset (±)
	StallEvery int           // skip one frame every N (0 = never)
	MaxFrames  uint64        // signal EOS after N frames (0 = unlimited)
	Seed       uint64        // jitter seed
}

// Stats are the producer counters.
type Stats struct {
	Stream   string
	Pushed   uint64 // buffers accepted by the sink
	Stalled  uint64 // frames deliberately skipped
	Rejected uint64 // pushes refused by the sink
	FPSReal  float64
	Running  bool
}

// Synthetic generates timestamped payloads at a target FPS.
//
// Payload layout: 8-byte big-endian sequence number, zero padded to FrameBytes.
type Synthetic struct {
	sink  Sink
	clock Clock
	cfg   SyntheticConfig
	rng   *rand.Rand

	stopCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	stats     Stats
	isRunning bool
	startTime time.Time
}

// NewSynthetic creates a synthetic producer for sink.
func NewSynthetic(sink Sink, clock Clock, cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("source: fps must be > 0, got %v", cfg.FPS)
	}
	if cfg.FrameBytes < 8 {
		cfg.FrameBytes = 8
	}
	if cfg.Jitter < 0 || cfg.StallEvery < 0 {
		return nil, fmt.Errorf("source: jitter and stall_every must be >= 0")
	}

	return &Synthetic{
		sink:   sink,
		clock:  clock,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		stats:  Stats{Stream: sink.Name()},
	}, nil
}

// Start begins generating frames
func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("source: %s already running", s.sink.Name())
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.mu.Unlock()

	slog.Info("synthetic source starting",
		"stream", s.sink.Name(),
		"fps", s.cfg.FPS,
		"frame_bytes", s.cfg.FrameBytes,
		"jitter", s.cfg.Jitter,
		"stall_every", s.cfg.StallEvery,
	)

	s.wg.Add(1)
	go s.generate(ctx)
	return nil
}

// Done is closed when the generator exits.
func (s *Synthetic) Done() <-chan struct{} {
	return s.done
}

// Stop stops the generator. Idempotent.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	st := s.Stats()
	slog.Info("synthetic source stopped",
		"stream", st.Stream,
		"pushed", st.Pushed,
		"stalled", st.Stalled,
		"rejected", st.Rejected,
	)
	return nil
}

// Stats returns producer statistics
func (s *Synthetic) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.Running = s.isRunning
	if s.isRunning && st.Pushed > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			st.FPSReal = float64(st.Pushed) / elapsed
		}
	}
	return st
}

// generate pushes frames at the target FPS until stopped, ctx is done or
// MaxFrames is reached (then EndOfStream).
func (s *Synthetic) generate(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	frameDuration := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	slog.Debug("frame generator started", "stream", s.sink.Name(), "frame_duration", frameDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.tick() {
				s.sink.EndOfStream()
				return
			}
		}
	}
}

// tick produces one frame. Returns true when MaxFrames was reached.
func (s *Synthetic) tick() bool {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	stall := s.cfg.StallEvery > 0 && seq%uint64(s.cfg.StallEvery) == uint64(s.cfg.StallEvery-1)
	if stall {
		s.stats.Stalled++
	}
	s.mu.Unlock()

	if !stall {
		err := s.sink.Push(s.createBuffer(seq))

		s.mu.Lock()
		if err != nil {
			s.stats.Rejected++
		} else {
			s.stats.Pushed++
		}
		s.mu.Unlock()

		if errors.Is(err, rgbdmux.ErrEndOfStream) {
			return true
		}
		if err != nil {
			slog.Warn("synthetic source push rejected", "stream", s.sink.Name(), "error", err)
		}
	}

	return s.cfg.MaxFrames > 0 && seq+1 >= s.cfg.MaxFrames
}

// createBuffer builds a payload stamped with the running time (± jitter).
func (s *Synthetic) createBuffer(seq uint64) *meta.Buffer {
	data := make([]byte, s.cfg.FrameBytes)
	binary.BigEndian.PutUint64(data, seq)

	pts := s.clock.RunningTime()
	if s.cfg.Jitter > 0 {
		s.mu.Lock()
		offset := time.Duration(s.rng.Int64N(int64(2*s.cfg.Jitter)+1)) - s.cfg.Jitter
		s.mu.Unlock()
		pts = max(pts+offset, 0)
	}
	return meta.NewBuffer(pts, data)
}

// Sequence extracts the sequence number from a synthetic payload.
func Sequence(b *meta.Buffer) (uint64, bool) {
	if b == nil || len(b.Data) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b.Data), true
}
