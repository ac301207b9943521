package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/meta"
)

type recordingSink struct {
	mu   sync.Mutex
	bufs []*meta.Buffer
	eos  bool
}

func (s *recordingSink) Name() string { return "depth" }

func (s *recordingSink) Push(b *meta.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return rgbdmux.ErrEndOfStream
	}
	s.bufs = append(s.bufs, b)
	return nil
}

func (s *recordingSink) EndOfStream() {
	s.mu.Lock()
	s.eos = true
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]*meta.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*meta.Buffer(nil), s.bufs...), s.eos
}

type fixedClock time.Duration

func (c fixedClock) RunningTime() time.Duration { return time.Duration(c) }

func TestNewSynthetic_Validation(t *testing.T) {
	_, err := NewSynthetic(&recordingSink{}, fixedClock(0), SyntheticConfig{FPS: 0})
	assert.Error(t, err)

	_, err = NewSynthetic(&recordingSink{}, fixedClock(0), SyntheticConfig{FPS: 30, StallEvery: -1})
	assert.Error(t, err)
}

func TestSynthetic_MaxFramesThenEOS(t *testing.T) {
	sink := &recordingSink{}
	src, err := NewSynthetic(sink, fixedClock(50*time.Millisecond), SyntheticConfig{
		FPS:        200,
		FrameBytes: 16,
		MaxFrames:  5,
	})
	require.NoError(t, err)

	require.NoError(t, src.Start(context.Background()))
	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not finish")
	}
	require.NoError(t, src.Stop())

	bufs, eos := sink.snapshot()
	assert.True(t, eos)
	require.Len(t, bufs, 5)
	for i, b := range bufs {
		seq, ok := Sequence(b)
		require.True(t, ok)
		assert.Equal(t, uint64(i), seq)
		assert.Equal(t, 16, b.Size())
		assert.Equal(t, 50*time.Millisecond, b.PTS)
	}
	assert.Equal(t, uint64(5), src.Stats().Pushed)
}

func TestSynthetic_StallEvery(t *testing.T) {
	sink := &recordingSink{}
	src, err := NewSynthetic(sink, fixedClock(0), SyntheticConfig{FPS: 30, StallEvery: 3, MaxFrames: 9})
	require.NoError(t, err)

	for !src.tick() {
	}

	bufs, _ := sink.snapshot()
	assert.Len(t, bufs, 6)
	assert.Equal(t, uint64(3), src.Stats().Stalled)
}

func TestSynthetic_JitterBounds(t *testing.T) {
	src, err := NewSynthetic(&recordingSink{}, fixedClock(100*time.Millisecond), SyntheticConfig{
		FPS:    30,
		Jitter: 2 * time.Millisecond,
		Seed:   7,
	})
	require.NoError(t, err)

	for i := uint64(0); i < 100; i++ {
		b := src.createBuffer(i)
		assert.GreaterOrEqual(t, b.PTS, 98*time.Millisecond)
		assert.LessOrEqual(t, b.PTS, 102*time.Millisecond)
	}
}

func TestSynthetic_StartTwice(t *testing.T) {
	src, err := NewSynthetic(&recordingSink{}, fixedClock(0), SyntheticConfig{FPS: 30})
	require.NoError(t, err)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()
	assert.Error(t, src.Start(context.Background()))
}

func TestSynthetic_FeedsMuxer(t *testing.T) {
	mux, err := rgbdmux.New(rgbdmux.DefaultSettings())
	require.NoError(t, err)

	depth, err := mux.Add(meta.StreamDepth)
	require.NoError(t, err)
	color, err := mux.Add(meta.StreamColor)
	require.NoError(t, err)

	events, err := mux.Start(context.Background())
	require.NoError(t, err)
	defer mux.Stop()

	var sources []*Synthetic
	for _, ch := range []*rgbdmux.Channel{depth, color} {
		src, err := NewSynthetic(ch, mux, SyntheticConfig{FPS: 30, MaxFrames: 10})
		require.NoError(t, err)
		require.NoError(t, src.Start(context.Background()))
		sources = append(sources, src)
	}
	defer func() {
		for _, src := range sources {
			_ = src.Stop()
		}
	}()

	framesets := 0
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events closed before EOS")
			}
			switch ev.Kind {
			case rgbdmux.EventFrameset:
				framesets++
			case rgbdmux.EventEOS:
				assert.Greater(t, framesets, 0)
				return
			}
		case <-timeout:
			t.Fatalf("no EOS, %d framesets", framesets)
		}
	}
}
