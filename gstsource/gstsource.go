// Package gstsource feeds a muxer channel from a GStreamer pipeline ending in
// an appsink.
//
// Pipeline structure (gst-launch syntax, supplied by config):
//
//	<any source> ! ... ! appsink name=sink
//
// Every sample pulled from the appsink is copied into a meta.Buffer stamped
// with the muxer running time. The sample caps are parsed into a channel
// descriptor on first arrival and whenever they change. Bus EOS and errors end
// the channel.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/meta"
	"github.com/e7canasta/orion-rgbd/source"
)

// DefaultSinkName is the appsink element name looked up in the pipeline.
const DefaultSinkName = "sink"

// Sink is a channel that also accepts descriptor updates. *rgbdmux.Channel
// implements it.
type Sink interface {
	source.Sink
	SetDescriptor(d rgbdmux.Descriptor) error
}

// Config configures a GStreamer source.
type Config struct {
	Pipeline string // gst-launch description
	SinkName string // appsink element name (default: "sink")
}

// Stats are the source counters.
type Stats struct {
	Stream      string
	Samples     uint64
	BytesRead   uint64
	Rejected    uint64
	Empty       uint64
	CapsChanges uint64
	Running     bool
	Uptime      time.Duration
}

// Source pulls samples from an appsink into a channel.
type Source struct {
	sink  Sink
	clock source.Clock
	cfg   Config

	pipeline *gst.Pipeline
	appsink  *app.Sink

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	caps      string
	isRunning bool
	started   time.Time

	samples     uint64
	bytesRead   uint64
	rejected    uint64
	empty       uint64
	capsChanges uint64
	ended       atomic.Bool
}

// New creates a GStreamer source. The pipeline is built in Start.
func New(sink Sink, clock source.Clock, cfg Config) (*Source, error) {
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("gstsource: pipeline is required")
	}
	if cfg.SinkName == "" {
		cfg.SinkName = DefaultSinkName
	}
	return &Source{
		sink:  sink,
		clock: clock,
		cfg:   cfg,
		done:  make(chan struct{}),
	}, nil
}

// Start builds the pipeline, sets it PLAYING and monitors its bus.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return fmt.Errorf("gstsource: %s already running", s.sink.Name())
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(s.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("gstsource: failed to create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(s.cfg.SinkName)
	if err != nil {
		return fmt.Errorf("gstsource: appsink %q not found: %w", s.cfg.SinkName, err)
	}
	appsink := app.SinkFromElement(elem)
	if appsink == nil {
		return fmt.Errorf("gstsource: element %q is not an appsink", s.cfg.SinkName)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsource: failed to start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.appsink = appsink
	s.isRunning = true
	s.started = time.Now()

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitorBus(monitorCtx)

	slog.Info("gstsource: pipeline started",
		"stream", s.sink.Name(),
		"pipeline", s.cfg.Pipeline,
	)
	return nil
}

// Done is closed when the bus monitor exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stop tears the pipeline down. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	pipeline := s.pipeline
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	var err error
	if pipeline != nil {
		if serr := pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("gstsource: failed to stop pipeline: %w", serr)
		}
	}

	st := s.Stats()
	slog.Info("gstsource: pipeline stopped",
		"stream", st.Stream,
		"samples", st.Samples,
		"bytes_read", st.BytesRead,
		"rejected", st.Rejected,
	)
	return err
}

// Stats returns source statistics.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	running, started := s.isRunning, s.started
	s.mu.Unlock()

	st := Stats{
		Stream:      s.sink.Name(),
		Samples:     atomic.LoadUint64(&s.samples),
		BytesRead:   atomic.LoadUint64(&s.bytesRead),
		Rejected:    atomic.LoadUint64(&s.rejected),
		Empty:       atomic.LoadUint64(&s.empty),
		CapsChanges: atomic.LoadUint64(&s.capsChanges),
		Running:     running,
	}
	if running {
		st.Uptime = time.Since(started)
	}
	return st
}

// onNewSample is called by GStreamer when a new sample is available.
//
// A sample that cannot be read is skipped: one corrupted frame should not
// end the stream.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsource: failed to pull sample from appsink, skipping", "stream", s.sink.Name())
		return gst.FlowOK
	}

	if caps := sample.GetCaps(); caps != nil {
		s.updateCaps(caps.String())
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		atomic.AddUint64(&s.empty, 1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		atomic.AddUint64(&s.empty, 1)
		slog.Warn("gstsource: empty buffer received", "stream", s.sink.Name())
		return gst.FlowOK
	}

	// GStreamer reuses the buffer
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	atomic.AddUint64(&s.samples, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(payload)))

	err := s.sink.Push(meta.NewBuffer(s.clock.RunningTime(), payload))
	switch {
	case err == nil:
		return gst.FlowOK
	case errors.Is(err, rgbdmux.ErrEndOfStream), errors.Is(err, rgbdmux.ErrUnknownChannel):
		atomic.AddUint64(&s.rejected, 1)
		return gst.FlowEOS
	default:
		atomic.AddUint64(&s.rejected, 1)
		slog.Warn("gstsource: push rejected", "stream", s.sink.Name(), "error", err)
		return gst.FlowOK
	}
}

// updateCaps forwards a changed caps string to the channel descriptor.
func (s *Source) updateCaps(caps string) {
	s.mu.Lock()
	if caps == s.caps {
		s.mu.Unlock()
		return
	}
	s.caps = caps
	s.mu.Unlock()

	d, err := DescriptorFromCaps(caps)
	if err != nil {
		slog.Warn("gstsource: unparseable caps", "stream", s.sink.Name(), "caps", caps, "error", err)
		return
	}
	atomic.AddUint64(&s.capsChanges, 1)
	if err := s.sink.SetDescriptor(d); err != nil {
		slog.Warn("gstsource: descriptor rejected", "stream", s.sink.Name(), "caps", caps, "error", err)
		return
	}
	slog.Info("gstsource: caps negotiated", "stream", s.sink.Name(), "descriptor", d.String())
}

// monitorBus polls the pipeline bus until ctx is done, EOS or an error.
func (s *Source) monitorBus(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstsource: context cancelled, stopping bus monitor", "stream", s.sink.Name())
			return
		default:
		}

		// Short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsource: end of stream received",
				"stream", s.sink.Name(),
				"samples", atomic.LoadUint64(&s.samples),
			)
			s.endOfStream()
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr.Error(), gerr.DebugString())
			slog.Error("gstsource: pipeline error",
				"stream", s.sink.Name(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			s.endOfStream()
			return

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstsource: pipeline state changed",
					"stream", s.sink.Name(),
					"from", old,
					"to", new,
				)
			}
		}
	}
}

func (s *Source) endOfStream() {
	if s.ended.CompareAndSwap(false, true) {
		s.sink.EndOfStream()
	}
}
