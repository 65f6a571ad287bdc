package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Wire layout of one frame:
//
//	MAGIC:4 LE (0x53495249, "IRIS") | LENGTH:2 LE | DATA:LENGTH
const (
	Magic        uint32 = 0x53495249
	MarkerSize          = 4
	LengthSize          = 2
	PreambleSize        = MarkerSize + LengthSize
	MaxDataSize         = math.MaxUint16

	// MinFrameSize is the smallest frame worth waiting for: a preamble
	// followed by a complete event header. The header parser checks the
	// same HeaderSize, so the two limits cannot drift apart.
	MinFrameSize = PreambleSize + HeaderSize
)

// Reasons reported by CorruptionSignal.
const (
	ReasonResynchronized = "resynchronized"
	ReasonNoMarker       = "no marker found"
)

var marker = binary.LittleEndian.AppendUint32(nil, Magic)

// Output is one item emitted by FrameDecoder.Write: either a Frame or a
// CorruptionSignal.
type Output interface {
	isOutput()
}

// Frame is one length-delimited unit extracted from the stream. Data is
// owned by the frame and always holds exactly LengthField bytes.
type Frame struct {
	LengthField uint16
	Data        []byte
}

// CorruptionSignal reports bytes discarded while resynchronizing.
type CorruptionSignal struct {
	DiscardedLength int
	Reason          string
}

func (Frame) isOutput()            {}
func (CorruptionSignal) isOutput() {}

// FrameDecoder accumulates raw bytes and extracts frames, scanning forward
// for the next marker whenever the stream does not start with one.
//
// The accumulation buffer is compacted on every Write, so memory is bounded
// by the largest frame in flight rather than by session length.
//
// A FrameDecoder is not safe for concurrent use; feed it from one goroutine.
type FrameDecoder struct {
	buf   []byte
	start int

	frames    uint64
	discarded uint64
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buf: make([]byte, 0, 4096)}
}

// Write appends chunk to the accumulation buffer and returns every frame
// and corruption signal that can be produced from it, in stream order.
// Incomplete frames stay buffered until a later Write completes them.
func (d *FrameDecoder) Write(chunk []byte) []Output {
	d.compact()
	d.buf = append(d.buf, chunk...)

	var out []Output
	for {
		window := d.buf[d.start:]
		if len(window) < MinFrameSize {
			return out
		}

		if !bytes.Equal(window[:MarkerSize], marker) {
			if k := bytes.Index(window[1:], marker); k >= 0 {
				k++
				out = append(out, CorruptionSignal{DiscardedLength: k, Reason: ReasonResynchronized})
				d.discard(k)
				continue
			}

			// The tail may hold the first bytes of a marker split across chunks.
			keep := min(len(window), MarkerSize-1)
			n := len(window) - keep
			out = append(out, CorruptionSignal{DiscardedLength: n, Reason: ReasonNoMarker})
			d.discard(n)
			return out
		}

		length := int(binary.LittleEndian.Uint16(window[MarkerSize:PreambleSize]))
		total := PreambleSize + length
		if len(window) < total {
			return out
		}

		data := make([]byte, length)
		copy(data, window[PreambleSize:total])
		out = append(out, Frame{LengthField: uint16(length), Data: data})
		d.start += total
		d.frames++
	}
}

func (d *FrameDecoder) discard(n int) {
	d.start += n
	d.discarded += uint64(n)
}

// compact moves unconsumed bytes to the front of the buffer and releases
// oversized backing arrays left behind by a burst of large frames.
func (d *FrameDecoder) compact() {
	if d.start == 0 {
		return
	}
	rest := d.buf[d.start:]
	if cap(d.buf) > 4*(PreambleSize+MaxDataSize) && len(rest) < PreambleSize+MaxDataSize {
		d.buf = append(make([]byte, 0, 4096), rest...)
	} else {
		n := copy(d.buf, rest)
		d.buf = d.buf[:n]
	}
	d.start = 0
}

// Buffered returns the number of bytes held waiting for more input.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.start
}

// FramesDecoded returns the number of frames emitted since creation.
func (d *FrameDecoder) FramesDecoded() uint64 {
	return d.frames
}

// BytesDiscarded returns the number of bytes dropped while resynchronizing.
func (d *FrameDecoder) BytesDiscarded() uint64 {
	return d.discarded
}

// Reset drops all buffered bytes. Counters are kept.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
	d.start = 0
}

// AppendFrame appends the wire encoding of data to dst. It panics if data is
// longer than MaxDataSize.
func AppendFrame(dst, data []byte) []byte {
	if len(data) > MaxDataSize {
		panic("protocol: frame data exceeds 65535 bytes")
	}
	dst = append(dst, marker...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}
