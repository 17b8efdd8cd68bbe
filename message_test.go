package someip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_Length(t *testing.T) {
	m := testRequest(0x1234, []byte("hello"))

	assert.Equal(t, HeaderSize+5, m.Length())
	assert.Equal(t, uint32(8+5), m.Header().Length)
	assert.Equal(t, []byte("hello"), m.Body())

	empty := testRequest(0x1234, nil)
	assert.Equal(t, HeaderSize, empty.Length())
	assert.Equal(t, uint32(8), empty.Header().Length)
	assert.Empty(t, empty.Body())
}

func TestHeader_EncodeDecode(t *testing.T) {
	h := Header{
		ServiceID:        0xABCD,
		MethodID:         0x8001,
		Length:           12,
		ClientID:         0x0102,
		SessionID:        0x0304,
		ProtocolVersion:  1,
		InterfaceVersion: 7,
		MessageType:      MessageTypeNotification,
		ReturnCode:       ReturnCodeNotReady,
	}

	b := make([]byte, HeaderSize)
	h.Encode(b)
	assert.Equal(t, []byte{0xAB, 0xCD, 0x80, 0x01, 0, 0, 0, 12, 0x01, 0x02, 0x03, 0x04, 1, 7, 0x02, 0x04}, b)

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = DecodeHeader(b[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestParseMessage(t *testing.T) {
	m := testRequest(0x1234, []byte{1, 2, 3})

	parsed, err := ParseMessage(append([]byte(nil), m.Bytes()...))
	require.NoError(t, err)
	assert.Equal(t, m.Header(), parsed.Header())

	_, err = ParseMessage(m.Bytes()[:m.Length()-1])
	assert.ErrorIs(t, err, ErrMalformedLength)

	bad := append([]byte(nil), m.Bytes()[:HeaderSize]...)
	bad[7] = 7
	_, err = ParseMessage(bad)
	assert.ErrorIs(t, err, ErrMalformedLength)
}

func TestMessageType_Classification(t *testing.T) {
	for _, tc := range []struct {
		typ      MessageType
		request  bool
		response bool
	}{
		{MessageTypeRequest, true, false},
		{MessageTypeRequestNoReturn, true, false},
		{MessageTypeNotification, false, true},
		{MessageTypeResponse, false, true},
		{MessageTypeError, false, true},
		{MessageType(0x40), false, false},
	} {
		assert.Equal(t, tc.request, tc.typ.IsRequest(), tc.typ.String())
		assert.Equal(t, tc.response, tc.typ.IsResponse(), tc.typ.String())
	}
}

func TestNewResponse(t *testing.T) {
	req := testRequest(0x1234, []byte("ping"))

	resp := NewResponse(req, ReturnCodeOK, []byte("pong"))
	h := resp.Header()
	assert.Equal(t, MessageTypeResponse, h.MessageType)
	assert.Equal(t, req.Header().SessionID, h.SessionID)
	assert.Equal(t, req.Header().ClientID, h.ClientID)
	assert.Equal(t, []byte("pong"), resp.Body())

	errResp := NewResponse(req, ReturnCodeUnknownMethod, nil)
	assert.Equal(t, MessageTypeError, errResp.Header().MessageType)
	assert.Equal(t, ReturnCodeUnknownMethod, errResp.Header().ReturnCode)
}
