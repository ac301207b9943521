package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-rgbd/meta"
)

func newTestMuxer(t *testing.T, s Settings, names ...string) (*muxer, map[string]*Channel) {
	t.Helper()

	m, err := NewMuxer(s)
	require.NoError(t, err)

	channels := make(map[string]*Channel, len(names))
	for _, name := range names {
		c, err := m.Add(name)
		require.NoError(t, err)
		channels[name] = c
	}
	return m, channels
}

func TestRegistry_PriorityOrder(t *testing.T) {
	m, _ := newTestMuxer(t, DefaultSettings(), "thermal", "color", "depth", "camerameta", "infra2", "infra1")

	assert.Equal(t,
		[]string{"depth", "infra1", "infra2", "color", "thermal", "camerameta"},
		m.OrderedNames())
}

func TestRegistry_InsertAtPrioritySlot(t *testing.T) {
	m, _ := newTestMuxer(t, DefaultSettings(), "depth", "color")

	_, err := m.Add("infra1")
	require.NoError(t, err)

	assert.Equal(t, []string{"depth", "infra1", "color"}, m.OrderedNames())

	desc, err := m.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "depth,infra1,color", desc.StreamsField())
}

func TestRegistry_AddRejectsInvalidNames(t *testing.T) {
	m, _ := newTestMuxer(t, DefaultSettings(), "depth")

	for _, name := range []string{"", "depth", "Depth", "1color", "color_raw", "in fra"} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Add(name)
			assert.True(t, errors.Is(err, ErrStructural), "got %v", err)
		})
	}

	assert.Equal(t, []string{"depth"}, m.OrderedNames(), "rejected registrations leave the registry untouched")
}

func TestRegistry_MetadataKindResolvedAtAdd(t *testing.T) {
	_, channels := newTestMuxer(t, DefaultSettings(), "depth", meta.StreamCameraMeta)

	assert.Equal(t, ElementaryChannel, channels["depth"].Kind())
	assert.Equal(t, MetadataChannel, channels[meta.StreamCameraMeta].Kind())
}

func TestRegistry_AddThenRemoveRestoresState(t *testing.T) {
	m, channels := newTestMuxer(t, DefaultSettings(), "depth", "color")
	require.NoError(t, channels["depth"].SetDescriptor(Descriptor{
		MediaType: MediaRaw, Format: "GRAY16_LE", Width: 1280, Height: 720, Framerate: NewFraction(30, 1),
	}))

	beforeNames := m.OrderedNames()
	beforeDesc, err := m.Descriptor()
	require.NoError(t, err)

	infra, err := m.Add("infra1")
	require.NoError(t, err)
	require.NoError(t, infra.SetDescriptor(Descriptor{MediaType: MediaRaw, Format: "GRAY8", Width: 1280, Height: 720}))
	require.NoError(t, m.Remove(infra))

	afterDesc, err := m.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, beforeNames, m.OrderedNames())
	assert.True(t, beforeDesc.Equal(afterDesc), "before %s, after %s", beforeDesc, afterDesc)
}

func TestRegistry_RemovedHandleRejectsPush(t *testing.T) {
	m, channels := newTestMuxer(t, DefaultSettings(), "depth", "color")
	color := channels["color"]

	require.NoError(t, m.Remove(color))

	err := color.Push(meta.NewBuffer(0, nil))
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	err = m.Remove(color)
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	err = color.SetDescriptor(Descriptor{MediaType: MediaRaw})
	assert.True(t, errors.Is(err, ErrUnknownChannel))
}

func TestRegistry_RemoveLastChannelIsNotNegotiated(t *testing.T) {
	m, channels := newTestMuxer(t, DefaultSettings(), "depth")

	_, err := m.Descriptor()
	require.NoError(t, err)

	require.NoError(t, m.Remove(channels["depth"]))
	_, err = m.Descriptor()
	assert.True(t, errors.Is(err, ErrNotNegotiated))
}

func TestChannel_PushAfterEOS(t *testing.T) {
	_, channels := newTestMuxer(t, DefaultSettings(), "depth")
	depth := channels["depth"]

	depth.EndOfStream()
	err := depth.Push(meta.NewBuffer(0, nil))
	assert.True(t, errors.Is(err, ErrEndOfStream))
}

func TestChannel_PushOverwritesUnreadBuffer(t *testing.T) {
	m, channels := newTestMuxer(t, DefaultSettings(), "depth")
	depth := channels["depth"]

	require.NoError(t, depth.Push(meta.NewBuffer(0, []byte("a"))))
	require.NoError(t, depth.Push(meta.NewBuffer(1, []byte("b"))))

	stats, ok := m.Stats().Channel("depth")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Overwritten)
	assert.True(t, stats.Pending)
	assert.InDelta(t, 0.5, stats.DropRate(), 1e-9)
}

func TestChannel_QueryFormat(t *testing.T) {
	m, channels := newTestMuxer(t, DefaultSettings(), "depth", "color")

	var requested []string
	channels["color"].OnFormatRequest(func(format string) {
		requested = append(requested, format)
	})

	proposed := Descriptor{MediaType: MediaRaw, Format: "YUY2", Width: 640, Height: 480}
	assert.Equal(t, proposed, channels["color"].QueryFormat(proposed))

	assert.True(t, m.HandleDownstreamFormatRequest("color", "RGB"))
	assert.False(t, m.HandleDownstreamFormatRequest("thermal", "GRAY8"))

	got := channels["color"].QueryFormat(proposed)
	assert.Equal(t, "RGB", got.Format)
	assert.Equal(t, 640, got.Width)
	assert.Equal(t, []string{"RGB"}, requested)
	assert.Equal(t, "", channels["depth"].PreferredFormat())
}
