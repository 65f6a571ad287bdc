package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrames(t *testing.T, n int) ([][]byte, []byte) {
	t.Helper()
	var datas [][]byte
	var stream []byte
	for i := 0; i < n; i++ {
		ev := Event{
			TimestampNanos: uint64(1000 * (i + 1)),
			EventType:      uint16(0x0100 + i),
			CPUID:          uint8(i % 4),
			Payload:        bytes.Repeat([]byte{byte(i)}, i*3),
		}
		data := ev.AppendBinary(nil)
		datas = append(datas, data)
		stream = AppendFrame(stream, data)
	}
	return datas, stream
}

func framesOf(outs []Output) []Frame {
	var frames []Frame
	for _, o := range outs {
		if f, ok := o.(Frame); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func signalsOf(outs []Output) []CorruptionSignal {
	var sigs []CorruptionSignal
	for _, o := range outs {
		if s, ok := o.(CorruptionSignal); ok {
			sigs = append(sigs, s)
		}
	}
	return sigs
}

func TestMarkerBytes(t *testing.T) {
	assert.Equal(t, []byte("IRIS"), marker)
	assert.Equal(t, 24, MinFrameSize)
}

func TestFrameDecoder_SingleFrame(t *testing.T) {
	data := Event{TimestampNanos: 42, EventType: EventIrisInit}.AppendBinary(nil)
	dec := NewFrameDecoder()

	outs := dec.Write(AppendFrame(nil, data))
	require.Len(t, outs, 1)

	frame, ok := outs[0].(Frame)
	require.True(t, ok)
	assert.Equal(t, uint16(HeaderSize), frame.LengthField)
	assert.Equal(t, data, frame.Data)
	assert.Equal(t, 0, dec.Buffered())
	assert.Equal(t, uint64(1), dec.FramesDecoded())
}

func TestFrameDecoder_ChunkBoundaryIndependence(t *testing.T) {
	datas, stream := testFrames(t, 12)
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		dec := NewFrameDecoder()
		var got []Output

		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(40)
			if n > len(rest) {
				n = len(rest)
			}
			got = append(got, dec.Write(rest[:n])...)
			rest = rest[n:]
		}

		assert.Empty(t, signalsOf(got), "trial %d", trial)
		frames := framesOf(got)
		require.Len(t, frames, len(datas), "trial %d", trial)
		for i, f := range frames {
			assert.Equal(t, datas[i], f.Data)
			assert.Equal(t, int(f.LengthField), len(f.Data))
		}
	}
}

func TestFrameDecoder_ByteAtATime(t *testing.T) {
	datas, stream := testFrames(t, 3)
	dec := NewFrameDecoder()

	var got []Output
	for i := range stream {
		got = append(got, dec.Write(stream[i:i+1])...)
	}
	frames := framesOf(got)
	require.Len(t, frames, 3)
	for i := range frames {
		assert.Equal(t, datas[i], frames[i].Data)
	}
}

func TestFrameDecoder_GarbageBeforeFrame(t *testing.T) {
	for _, k := range []int{1, 3, 7, 50, 500} {
		garbage := bytes.Repeat([]byte{0xAB}, k)
		data := Event{EventType: EventBootStart}.AppendBinary(nil)
		dec := NewFrameDecoder()

		outs := dec.Write(append(garbage, AppendFrame(nil, data)...))

		require.Len(t, outs, 2, "k=%d", k)
		assert.Equal(t, CorruptionSignal{DiscardedLength: k, Reason: ReasonResynchronized}, outs[0])
		frame, ok := outs[1].(Frame)
		require.True(t, ok)
		assert.Equal(t, data, frame.Data)
		assert.Equal(t, uint64(k), dec.BytesDiscarded())
	}
}

func TestFrameDecoder_NoMarkerKeepsTail(t *testing.T) {
	dec := NewFrameDecoder()
	garbage := bytes.Repeat([]byte{0x00}, 40)

	outs := dec.Write(garbage)
	require.Len(t, outs, 1)
	assert.Equal(t, CorruptionSignal{DiscardedLength: 37, Reason: ReasonNoMarker}, outs[0])
	assert.Equal(t, 3, dec.Buffered())
}

func TestFrameDecoder_SplitMarkerAcrossChunks(t *testing.T) {
	data := Event{TimestampNanos: 99, EventType: EventGDTLoaded, Payload: make([]byte, 16)}.AppendBinary(nil)
	frame := AppendFrame(nil, data)

	for split := 1; split <= 3; split++ {
		t.Run(string(rune('0'+split)), func(t *testing.T) {
			dec := NewFrameDecoder()
			garbage := bytes.Repeat([]byte{0x11}, 30)

			first := append(append([]byte{}, garbage...), frame[:split]...)
			outs := dec.Write(first)
			require.Len(t, outs, 1)
			sig := outs[0].(CorruptionSignal)
			assert.Equal(t, ReasonNoMarker, sig.Reason)
			assert.Equal(t, 3, dec.Buffered())

			outs = dec.Write(frame[split:])
			frames := framesOf(outs)
			require.Len(t, frames, 1)
			assert.Equal(t, data, frames[0].Data)

			// Garbage kept alongside the partial marker is dropped on resync
			sigs := signalsOf(outs)
			if split < 3 {
				require.Len(t, sigs, 1)
				assert.Equal(t, 3-split, sigs[0].DiscardedLength)
			} else {
				assert.Empty(t, sigs)
			}
		})
	}
}

func TestFrameDecoder_IncompleteFrameWaits(t *testing.T) {
	data := Event{EventType: EventTSSLoaded, Payload: make([]byte, 100)}.AppendBinary(nil)
	frame := AppendFrame(nil, data)
	dec := NewFrameDecoder()

	assert.Empty(t, dec.Write(frame[:50]))
	assert.Equal(t, 50, dec.Buffered())

	outs := dec.Write(frame[50:])
	require.Len(t, outs, 1)
	assert.Equal(t, data, outs[0].(Frame).Data)
}

func TestFrameDecoder_BelowMinimumWaits(t *testing.T) {
	dec := NewFrameDecoder()
	assert.Empty(t, dec.Write([]byte{0xFF, 0xFF, 0xFF}))
	assert.Equal(t, 3, dec.Buffered())
}

func TestFrameDecoder_ShortFrameEmittedWhenFollowed(t *testing.T) {
	short := AppendFrame(nil, []byte{1, 2, 3, 4})
	_, rest := testFrames(t, 1)
	dec := NewFrameDecoder()

	outs := dec.Write(append(short, rest...))
	frames := framesOf(outs)
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(4), frames[0].LengthField)
}

func TestFrameDecoder_MultipleResyncs(t *testing.T) {
	d1 := Event{EventType: 1}.AppendBinary(nil)
	d2 := Event{EventType: 2}.AppendBinary(nil)

	var stream []byte
	stream = append(stream, 0xDE, 0xAD)
	stream = AppendFrame(stream, d1)
	stream = append(stream, 0xBE, 0xEF, 0x00)
	stream = AppendFrame(stream, d2)

	outs := NewFrameDecoder().Write(stream)
	require.Len(t, outs, 4)
	assert.Equal(t, CorruptionSignal{2, ReasonResynchronized}, outs[0])
	assert.Equal(t, d1, outs[1].(Frame).Data)
	assert.Equal(t, CorruptionSignal{3, ReasonResynchronized}, outs[2])
	assert.Equal(t, d2, outs[3].(Frame).Data)
}

func TestFrameDecoder_FrameDataIsOwned(t *testing.T) {
	datas, stream := testFrames(t, 2)
	dec := NewFrameDecoder()
	outs := dec.Write(stream)
	frames := framesOf(outs)
	require.Len(t, frames, 2)

	// Further writes reuse the accumulation buffer
	dec.Write(bytes.Repeat([]byte{0x77}, 4096))
	assert.Equal(t, datas[0], frames[0].Data)
	assert.Equal(t, datas[1], frames[1].Data)
}

func TestFrameDecoder_Reset(t *testing.T) {
	_, stream := testFrames(t, 1)
	dec := NewFrameDecoder()
	dec.Write(stream[:10])
	require.Equal(t, 10, dec.Buffered())

	dec.Reset()
	assert.Equal(t, 0, dec.Buffered())

	outs := dec.Write(stream)
	assert.Len(t, framesOf(outs), 1)
}

func TestAppendFrame_Panics(t *testing.T) {
	assert.Panics(t, func() {
		AppendFrame(nil, make([]byte, MaxDataSize+1))
	})
}

func BenchmarkFrameDecoder_Write(b *testing.B) {
	var stream []byte
	for i := 0; i < 64; i++ {
		stream = AppendFrame(stream, Event{EventType: 0x0100, Payload: make([]byte, 64)}.AppendBinary(nil))
	}
	dec := NewFrameDecoder()
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec.Write(stream)
	}
}
