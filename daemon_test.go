package someip

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemon_ServesRequests(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
address: 127.0.0.1
port: 0
workers: 2
provided:
  - service: 0x1234
    instance: 0x0001
required:
  - service: 0x5678
    instance: 0x0002
    address: 127.0.0.1
    port: 1
`))
	require.NoError(t, err)

	d, err := NewDaemon(cfg, discardLogger)
	require.NoError(t, err)
	d.Handle(0x0001, func(instance InstanceID, packet *Message) (*Message, error) {
		return NewResponse(packet, ReturnCodeOK, packet.Body()), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	// Tasks run once the loop is up, after the endpoint is listening.
	addrCh := make(chan netip.AddrPort, 1)
	require.NoError(t, d.Reactor().Post(func() { addrCh <- d.Endpoint().LocalAddr() }))

	var addr netip.AddrPort
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}
	require.NotZero(t, addr.Port())

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	req := testRequest(0x1234, []byte("ping"))
	_, err = conn.Write(req.Bytes())
	require.NoError(t, err)

	buf := make([]byte, req.Length())
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	resp, err := ParseMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Header().MessageType)
	assert.Equal(t, req.Header().SessionID, resp.Header().SessionID)
	assert.Equal(t, []byte("ping"), resp.Body())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	_, err := NewDaemon(&Config{Address: "nowhere"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
