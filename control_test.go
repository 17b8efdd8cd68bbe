package someip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlMessage_ServiceInstance(t *testing.T) {
	b, err := EncodeControlMessage(ControlOfferService, 7, ServiceInstancePayload{ServiceID: 0x1234, InstanceID: 0x0001})
	require.NoError(t, err)
	require.Len(t, b, ControlHeaderSize+4)

	h, err := DecodeControlHeader(b)
	require.NoError(t, err)
	assert.Equal(t, ControlHeader{Version: ControlVersion, Type: ControlOfferService, Length: 4, ChannelID: 7}, h)

	var p ServiceInstancePayload
	require.NoError(t, DecodeControlPayload(h, b[ControlHeaderSize:], &p))
	assert.Equal(t, ServiceInstancePayload{ServiceID: 0x1234, InstanceID: 0x0001}, p)
}

func TestControlMessage_PayloadSizes(t *testing.T) {
	for _, tc := range []struct {
		typ     ControlMessageType
		payload any
		size    uint32
	}{
		{ControlGetClientIDRequest, nil, 0},
		{ControlGetClientIDResponse, ClientIDPayload{ClientID: 3}, 2},
		{ControlReleaseClientIDRequest, ClientIDPayload{ClientID: 3}, 2},
		{ControlSubscribeEvent, EventPayload{ServiceID: 1, InstanceID: 2, EventID: 0x8001}, 6},
		{ControlReleaseService, ServiceInstancePayload{ServiceID: 1, InstanceID: 2}, 4},
	} {
		b, err := EncodeControlMessage(tc.typ, InvalidChannelID, tc.payload)
		require.NoError(t, err, tc.typ.String())

		h, err := DecodeControlHeader(b)
		require.NoError(t, err, tc.typ.String())
		assert.Equal(t, tc.size, h.Length, tc.typ.String())
		assert.Equal(t, InvalidChannelID, h.ChannelID)
	}
}

func TestControlMessage_FindServiceResponse(t *testing.T) {
	entries := []ServiceInstancePayload{{ServiceID: 1, InstanceID: 1}, {ServiceID: 1, InstanceID: 2}}

	b, err := EncodeControlMessage(ControlFindServiceResponse, 1, entries)
	require.NoError(t, err)

	h, err := DecodeControlHeader(b)
	require.NoError(t, err)

	got, err := DecodeFindServiceResponse(h, b[ControlHeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	b, err = EncodeControlMessage(ControlFindServiceResponse, 1, []ServiceInstancePayload{})
	require.NoError(t, err)
	h, err = DecodeControlHeader(b)
	require.NoError(t, err)
	got, err = DecodeFindServiceResponse(h, b[ControlHeaderSize:])
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestControlMessage_Errors(t *testing.T) {
	_, err := EncodeControlMessage(ControlOfferService, 1, ClientIDPayload{})
	assert.ErrorIs(t, err, ErrControlPayloadSize)

	_, err = EncodeControlMessage(ControlMessageType(99), 1, nil)
	assert.ErrorIs(t, err, ErrControlType)

	_, err = DecodeControlHeader(make([]byte, ControlHeaderSize-1))
	assert.ErrorIs(t, err, ErrShortMessage)

	b, err := EncodeControlMessage(ControlStartFindService, 1, ServiceInstancePayload{})
	require.NoError(t, err)

	bad := append([]byte(nil), b...)
	bad[0]++
	_, err = DecodeControlHeader(bad)
	assert.ErrorIs(t, err, ErrControlVersion)

	h, err := DecodeControlHeader(b)
	require.NoError(t, err)
	assert.ErrorIs(t, DecodeControlPayload(h, b[ControlHeaderSize:ControlHeaderSize+2], &ServiceInstancePayload{}), ErrShortMessage)
	assert.ErrorIs(t, DecodeControlPayload(h, b[ControlHeaderSize:], &EventPayload{}), ErrControlPayloadSize)

	_, err = DecodeFindServiceResponse(h, b[ControlHeaderSize:])
	assert.ErrorIs(t, err, ErrControlType)
}

func TestControlMessageType_String(t *testing.T) {
	assert.Equal(t, "offer_service", ControlOfferService.String())
	assert.Equal(t, "release_service", ControlReleaseService.String())
	assert.Equal(t, "unknown(42)", ControlMessageType(42).String())
}
