package someip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ControlVersion is the version of the local control protocol between
// applications and the daemon.
const ControlVersion uint32 = 1

// InvalidChannelID marks a control message that is not bound to a channel.
const InvalidChannelID uint32 = 0xFFFFFFFF

// ControlHeaderSize is the encoded size of a ControlHeader.
const ControlHeaderSize = 16

// ControlMessageType identifies a control message.
type ControlMessageType uint32

const (
	ControlGetClientIDRequest ControlMessageType = iota
	ControlGetClientIDResponse
	ControlReleaseClientIDRequest
	ControlFindServiceRequest
	ControlFindServiceResponse
	ControlStartFindService
	ControlStopFindService
	ControlOfferService
	ControlStopOfferService
	ControlSubscribeEvent
	ControlUnsubscribeEvent
	ControlRequestService
	ControlReleaseService
)

var controlTypeNames = [...]string{
	"get_client_id_request",
	"get_client_id_response",
	"release_client_id_request",
	"find_service_request",
	"find_service_response",
	"start_find_service",
	"stop_find_service",
	"offer_service",
	"stop_offer_service",
	"subscribe_event",
	"unsubscribe_event",
	"request_service",
	"release_service",
}

func (t ControlMessageType) String() string {
	if int(t) < len(controlTypeNames) {
		return controlTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Errors returned while framing control messages.
var (
	ErrControlVersion     = errors.New("unsupported control protocol version")
	ErrControlType        = errors.New("unknown control message type")
	ErrControlPayloadSize = errors.New("control payload size mismatch")
)

// ControlHeader precedes every control message. Control messages never leave
// the host and are encoded in native byte order.
type ControlHeader struct {
	Version   uint32
	Type      ControlMessageType
	Length    uint32
	ChannelID uint32
}

// ClientIDPayload carries a client id (GetClientIDResponse, ReleaseClientIDRequest).
type ClientIDPayload struct {
	ClientID ClientID
}

// ServiceInstancePayload names a service instance. It is the payload of the
// find, offer and request messages and the element of a FindServiceResponse.
type ServiceInstancePayload struct {
	ServiceID  ServiceID
	InstanceID InstanceID
}

// EventPayload names an event of a service instance (SubscribeEvent, UnsubscribeEvent).
type EventPayload struct {
	ServiceID  ServiceID
	InstanceID InstanceID
	EventID    uint16
}

// controlPayloadSize returns the fixed payload size of t, or -1 for a list.
func controlPayloadSize(t ControlMessageType) (int, error) {
	switch t {
	case ControlGetClientIDRequest:
		return 0, nil
	case ControlGetClientIDResponse, ControlReleaseClientIDRequest:
		return binary.Size(ClientIDPayload{}), nil
	case ControlFindServiceResponse:
		return -1, nil
	case ControlFindServiceRequest, ControlStartFindService, ControlStopFindService,
		ControlOfferService, ControlStopOfferService, ControlRequestService, ControlReleaseService:
		return binary.Size(ServiceInstancePayload{}), nil
	case ControlSubscribeEvent, ControlUnsubscribeEvent:
		return binary.Size(EventPayload{}), nil
	default:
		return 0, errors.Wrapf(ErrControlType, "type %d", uint32(t))
	}
}

// EncodeControlMessage frames payload as a control message of type t.
// payload must be nil, one of the payload structs, or for
// ControlFindServiceResponse a []ServiceInstancePayload.
func EncodeControlMessage(t ControlMessageType, channel uint32, payload any) ([]byte, error) {
	want, err := controlPayloadSize(t)
	if err != nil {
		return nil, err
	}

	size := 0
	if payload != nil {
		size = binary.Size(payload)
		if size < 0 {
			return nil, errors.Wrapf(ErrControlPayloadSize, "%s: unsupported payload %T", t, payload)
		}
	}
	if want >= 0 && size != want {
		return nil, errors.Wrapf(ErrControlPayloadSize, "%s: %d bytes, want %d", t, size, want)
	}

	var buf bytes.Buffer
	buf.Grow(ControlHeaderSize + size)
	h := ControlHeader{Version: ControlVersion, Type: t, Length: uint32(size), ChannelID: channel}
	if err = binary.Write(&buf, binary.NativeEndian, h); err != nil {
		return nil, errors.Wrap(err, "encode control header")
	}
	if payload != nil {
		if err = binary.Write(&buf, binary.NativeEndian, payload); err != nil {
			return nil, errors.Wrap(err, "encode control payload")
		}
	}
	return buf.Bytes(), nil
}

// DecodeControlHeader decodes and validates the header at the start of b.
func DecodeControlHeader(b []byte) (ControlHeader, error) {
	if len(b) < ControlHeaderSize {
		return ControlHeader{}, ErrShortMessage
	}

	h := ControlHeader{
		Version:   binary.NativeEndian.Uint32(b[0:]),
		Type:      ControlMessageType(binary.NativeEndian.Uint32(b[4:])),
		Length:    binary.NativeEndian.Uint32(b[8:]),
		ChannelID: binary.NativeEndian.Uint32(b[12:]),
	}
	if h.Version != ControlVersion {
		return h, errors.Wrapf(ErrControlVersion, "version %d", h.Version)
	}

	want, err := controlPayloadSize(h.Type)
	if err != nil {
		return h, err
	}
	if want >= 0 && int(h.Length) != want {
		return h, errors.Wrapf(ErrControlPayloadSize, "%s: %d bytes, want %d", h.Type, h.Length, want)
	}
	if want < 0 && int(h.Length)%binary.Size(ServiceInstancePayload{}) != 0 {
		return h, errors.Wrapf(ErrControlPayloadSize, "%s: %d bytes", h.Type, h.Length)
	}
	return h, nil
}

// DecodeControlPayload decodes the payload following h into out, a pointer
// to the payload struct matching h.Type.
func DecodeControlPayload(h ControlHeader, body []byte, out any) error {
	if len(body) < int(h.Length) {
		return ErrShortMessage
	}
	if size := binary.Size(out); size != int(h.Length) {
		return errors.Wrapf(ErrControlPayloadSize, "%s: %d bytes into %T", h.Type, h.Length, out)
	}
	return errors.Wrap(binary.Read(bytes.NewReader(body[:h.Length]), binary.NativeEndian, out), "decode control payload")
}

// DecodeFindServiceResponse decodes the instance list of a FindServiceResponse.
func DecodeFindServiceResponse(h ControlHeader, body []byte) ([]ServiceInstancePayload, error) {
	if h.Type != ControlFindServiceResponse {
		return nil, errors.Wrapf(ErrControlType, "%s is not a find service response", h.Type)
	}

	entries := make([]ServiceInstancePayload, int(h.Length)/binary.Size(ServiceInstancePayload{}))
	if err := DecodeControlPayload(h, body, entries); err != nil {
		return nil, err
	}
	return entries, nil
}
