package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/config"
	"github.com/e7canasta/orion-rgbd/meta"
	"github.com/e7canasta/orion-rgbd/wire"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type publication struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	connected  bool
	pubs       []publication
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return newToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.pubs = append(c.pubs, publication{topic, qos, retained, payload.([]byte)})
	}
	return newToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker:  "localhost:1883",
		Topics: config.MQTTTopics{
			Framesets: "rgbd/framesets/lab",
			Events:    "rgbd/events/lab",
		},
		QoS: 1,
	}
}

func connectedEmitter(t *testing.T, client *fakeClient) *MQTTEmitter {
	t.Helper()
	e := NewMQTTEmitter(testConfig(), "lab")
	require.NoError(t, e.connect(context.Background(), client))
	return e
}

func TestEmit_Frameset(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(t, client)

	primary := meta.NewBuffer(40*time.Millisecond, []byte("depth"))
	meta.TagBuffer(primary, meta.StreamDepth)
	fs := meta.NewFrameset("fs-1", primary)
	_, err := fs.Attach(meta.StreamColor, meta.NewBuffer(41*time.Millisecond, []byte("color")))
	require.NoError(t, err)
	fs.Seal()

	require.NoError(t, e.Emit(rgbdmux.Event{Kind: rgbdmux.EventFrameset, Frameset: fs, Timestamp: 40 * time.Millisecond}))

	require.Len(t, client.pubs, 1)
	pub := client.pubs[0]
	assert.Equal(t, "rgbd/framesets/lab", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	assert.False(t, pub.retained)

	msg, err := wire.Decode(pub.payload)
	require.NoError(t, err)
	assert.Equal(t, wire.KindFrameset, msg.Kind)
	assert.Equal(t, "fs-1", msg.Frameset.ID)
	require.Len(t, msg.Frameset.Attachments, 1)
	assert.Equal(t, meta.StreamColor, msg.Frameset.Attachments[0].Tag)

	assert.Equal(t, uint64(1), e.Stats().Published["rgbd/framesets/lab"])
}

func TestEmit_ControlEvents(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(t, client)

	desc, err := rgbdmux.ParseCompositeDescriptor("video/rgbd, streams=depth, framerate=30/1")
	require.NoError(t, err)

	require.NoError(t, e.Emit(rgbdmux.Event{Kind: rgbdmux.EventDescriptor, Descriptor: desc}))
	require.NoError(t, e.Emit(rgbdmux.Event{Kind: rgbdmux.EventGap, Timestamp: time.Second}))
	require.NoError(t, e.Emit(rgbdmux.Event{Kind: rgbdmux.EventEOS}))

	require.Len(t, client.pubs, 3)
	assert.Equal(t, "rgbd/events/lab/descriptor", client.pubs[0].topic)
	assert.True(t, client.pubs[0].retained)
	assert.Equal(t, "rgbd/events/lab/gap", client.pubs[1].topic)
	assert.False(t, client.pubs[1].retained)
	assert.Equal(t, "rgbd/events/lab/eos", client.pubs[2].topic)

	gap, err := wire.Decode(client.pubs[1].payload)
	require.NoError(t, err)
	assert.Equal(t, time.Second, gap.TimestampDuration())
}

func TestEmit_NotConnected(t *testing.T) {
	e := NewMQTTEmitter(testConfig(), "lab")

	err := e.Emit(rgbdmux.Event{Kind: rgbdmux.EventEOS})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestEmit_PublishFailure(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("broker gone")}
	e := connectedEmitter(t, client)

	err := e.Emit(rgbdmux.Event{Kind: rgbdmux.EventGap})
	assert.ErrorContains(t, err, "broker gone")
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Empty(t, e.Stats().Published)
}

func TestEmit_MalformedFrameset(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(t, client)

	err := e.Emit(rgbdmux.Event{Kind: rgbdmux.EventFrameset})
	assert.ErrorIs(t, err, wire.ErrMalformed)
	assert.Empty(t, client.pubs)
}

func TestConnect_Failure(t *testing.T) {
	e := NewMQTTEmitter(testConfig(), "lab")

	err := e.connect(context.Background(), &fakeClient{connectErr: errors.New("refused")})
	assert.ErrorContains(t, err, "refused")
	assert.False(t, e.Stats().Connected)
}

func TestDisconnect(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(t, client)
	assert.True(t, e.Stats().Connected)

	e.Disconnect()
	assert.False(t, e.Stats().Connected)
	assert.False(t, client.IsConnected())
}
