package someip

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor(nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// pump drives r until cond holds or the deadline passes.
func pump(t *testing.T, r *Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		require.NoError(t, r.HandleEvents(10*time.Millisecond))
	}
}

func testRequest(service ServiceID, payload []byte) *Message {
	return NewMessage(Header{
		ServiceID:        service,
		MethodID:         0x0001,
		ClientID:         0x0010,
		SessionID:        0x0001,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      MessageTypeRequest,
	}, payload)
}

// chunkReceiver hands out its data in fixed-size chunks.
type chunkReceiver struct {
	data  []byte
	chunk int
	err   error
	calls int
}

func (c *chunkReceiver) Receive(p []byte) (int, error) {
	c.calls++
	if len(c.data) == 0 {
		return 0, c.err
	}
	n := min(len(p), c.chunk, len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}
