package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/iris/errors"
)

// Event header layout inside Frame.Data:
//
//	RESERVED:2 | TIMESTAMP_NS:8 LE | EVENT_TYPE:2 LE | CPU_ID:1 | RESERVED:5 | PAYLOAD
const (
	HeaderSize      = 18
	timestampOffset = 2
	eventTypeOffset = 10
	cpuIDOffset     = 12
)

// Well-known event types.
const (
	EventIrisInit  uint16 = 0x0001
	EventBootStart uint16 = 0x0100
	EventGDTLoaded uint16 = 0x0101
	EventTSSLoaded uint16 = 0x0102
)

// Event is the structured record carried by one frame. SequenceNumber and
// Flags occupy reserved header bytes and are not populated by this
// protocol version.
type Event struct {
	TimestampNanos uint64
	EventType      uint16
	CPUID          uint8
	SequenceNumber *uint32
	Flags          *uint16
	Payload        []byte
}

// HasPayload reports whether the event carried bytes past the header.
func (e Event) HasPayload() bool {
	return len(e.Payload) > 0
}

func (e Event) String() string {
	return fmt.Sprintf("event 0x%04x cpu=%d ts=%d payload=%d", e.EventType, e.CPUID, e.TimestampNanos, len(e.Payload))
}

// ParseHeader extracts the fixed header of frame into an Event. Frames
// shorter than HeaderSize are rejected with errors.ErrHeaderTooShort.
// Reserved bytes are not inspected. The payload aliases frame.Data.
func ParseHeader(frame Frame) (Event, error) {
	data := frame.Data
	if len(data) < HeaderSize {
		return Event{}, errors.WrapInvalid(errors.ErrHeaderTooShort, "HeaderParser", "ParseHeader",
			fmt.Sprintf("parse %d-byte frame", len(data)))
	}

	ev := Event{
		TimestampNanos: binary.LittleEndian.Uint64(data[timestampOffset:]),
		EventType:      binary.LittleEndian.Uint16(data[eventTypeOffset:]),
		CPUID:          data[cpuIDOffset],
	}
	if len(data) > HeaderSize {
		ev.Payload = data[HeaderSize:]
	}
	return ev, nil
}

// AppendBinary appends the frame data encoding of e (header plus payload,
// without the preamble) to dst.
func (e Event) AppendBinary(dst []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[timestampOffset:], e.TimestampNanos)
	binary.LittleEndian.PutUint16(hdr[eventTypeOffset:], e.EventType)
	hdr[cpuIDOffset] = e.CPUID
	dst = append(dst, hdr[:]...)
	return append(dst, e.Payload...)
}

// EncodeEvent returns the complete wire frame for e, as the kernel emits it.
func EncodeEvent(e Event) []byte {
	data := e.AppendBinary(make([]byte, 0, HeaderSize+len(e.Payload)))
	return AppendFrame(make([]byte, 0, PreambleSize+len(data)), data)
}
