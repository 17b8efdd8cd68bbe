package someip

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatchingPair(t *testing.T, r *Reactor) (*Dispatcher, *Endpoint, *Sender, *recordingRouter) {
	t.Helper()

	d, err := NewDispatcher(r, 4, discardLogger)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	server, err := NewEndpoint(r, d, loopback, LoggerOption(discardLogger))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	_, err = server.GetReceiver()
	require.NoError(t, err)
	require.NoError(t, server.RegisterProvidedServiceInstance(0x1234, 0x0001))

	client, clientRouter := newTestEndpoint(t, r)
	sender, err := client.GetSender(server.LocalAddr())
	require.NoError(t, err)
	sender.RegisterRequiredServiceInstance(0x1234, 0x0001)
	pump(t, r, func() bool { return sender.IsConnected() && len(server.Connections()) == 1 })

	return d, server, sender, clientRouter
}

func TestNewDispatcher_NilReactor(t *testing.T) {
	_, err := NewDispatcher(nil, 1, nil)
	assert.ErrorIs(t, err, ErrNilReactor)
}

func TestDispatcher_Reply(t *testing.T) {
	r := newTestReactor(t)
	d, server, sender, clientRouter := newDispatchingPair(t, r)

	var calls atomic.Int32
	d.Handle(0x0001, func(instance InstanceID, packet *Message) (*Message, error) {
		calls.Add(1)
		return NewResponse(packet, ReturnCodeOK, append([]byte("echo:"), packet.Body()...)), nil
	})

	require.NoError(t, sender.Forward(0x0001, testRequest(0x1234, []byte("hi"))))
	pump(t, r, func() bool { return len(clientRouter.packets) == 1 })

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []byte("echo:hi"), clientRouter.packets[0].Body())
	pump(t, r, func() bool { return server.Connections()[0].Users() == 0 })
}

func TestDispatcher_HandlerFailures(t *testing.T) {
	r := newTestReactor(t)
	d, server, sender, clientRouter := newDispatchingPair(t, r)

	var calls atomic.Int32
	d.Handle(0x0001, func(instance InstanceID, packet *Message) (*Message, error) {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return nil, errors.New("failed")
		default:
			return NewResponse(packet, ReturnCodeOK, nil), nil
		}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Forward(0x0001, testRequest(0x1234, nil)))
		pump(t, r, func() bool { return calls.Load() == int32(i+1) })
		// Every job releases its response sender, whatever the handler did.
		pump(t, r, func() bool { return server.Connections()[0].Users() == 0 })
	}

	pump(t, r, func() bool { return len(clientRouter.packets) == 1 })
	assert.True(t, server.Connections()[0].IsConnected())
}

func TestDispatcher_NoHandler(t *testing.T) {
	r := newTestReactor(t)
	d, err := NewDispatcher(r, 1, discardLogger)
	require.NoError(t, err)
	defer d.Close()

	err = d.Dispatch(0x0042, nil, testRequest(0x1, nil))
	assert.ErrorIs(t, err, ErrNoHandler)

	d.Handle(0x0042, func(InstanceID, *Message) (*Message, error) { return nil, nil })
	d.Remove(0x0042)
	err = d.Dispatch(0x0042, nil, testRequest(0x1, nil))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPacketRouterFunc(t *testing.T) {
	var got InstanceID
	var router PacketRouter = PacketRouterFunc(func(instance InstanceID, _ *ResponseSender, _ *Message) {
		got = instance
	})

	router.Forward(0x0005, nil, testRequest(0x1, nil))
	assert.Equal(t, InstanceID(0x0005), got)
}
