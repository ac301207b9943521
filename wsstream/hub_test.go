package wsstream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/wire"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.Stats().Clients) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	return msg
}

func testDescriptor(t *testing.T) rgbdmux.CompositeDescriptor {
	t.Helper()
	desc, err := rgbdmux.ParseCompositeDescriptor("video/rgbd, streams=\"depth,color\", framerate=30/1")
	require.NoError(t, err)
	return desc
}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, hub, 2)

	require.NoError(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventGap, Timestamp: 33 * time.Millisecond}))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, wire.KindGap, msg.Kind)
		assert.Equal(t, 33*time.Millisecond, msg.TimestampDuration())
	}
	assert.Equal(t, uint64(1), hub.Stats().Published)
}

func TestHub_ReplaysDescriptorToLateJoiner(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	require.NoError(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventDescriptor, Descriptor: testDescriptor(t)}))

	conn := dial(t, srv)
	msg := readMessage(t, conn)
	assert.Equal(t, wire.KindDescriptor, msg.Kind)

	desc, err := rgbdmux.ParseCompositeDescriptor(msg.Descriptor)
	require.NoError(t, err)
	assert.Equal(t, []string{"depth", "color"}, desc.Streams)
}

func TestHub_DropsWhenClientQueueFull(t *testing.T) {
	hub := NewHub(1)
	c := &client{id: "slow", send: make(chan []byte, 1)}
	require.NoError(t, hub.register(c))

	require.NoError(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventGap}))
	require.NoError(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventGap}))
	require.NoError(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventEOS}))

	st := hub.Stats()
	require.Len(t, st.Clients, 1)
	assert.Equal(t, uint64(1), st.Clients[0].Sent)
	assert.Equal(t, uint64(2), st.Clients[0].Dropped)
	assert.Equal(t, uint64(3), st.Published)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(4)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	hub.Close()
	hub.Close()
	assert.Empty(t, hub.Stats().Clients)
	assert.ErrorIs(t, hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventEOS}), ErrHubClosed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(4)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
}

func TestHub_RejectsMalformedEvent(t *testing.T) {
	hub := NewHub(4)
	err := hub.Publish(rgbdmux.Event{Kind: rgbdmux.EventFrameset})
	assert.ErrorIs(t, err, wire.ErrMalformed)
}
