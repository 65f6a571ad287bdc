// Package protocol implements the IRIS wire format: frame extraction from a
// raw byte stream with resynchronization, and parsing of the fixed event
// header.
//
// The kernel writes frames back to back on an unacknowledged stream. Every
// frame starts with the marker "IRIS" followed by a 16-bit little-endian
// length. FrameDecoder tolerates garbage between frames: when the stream
// does not begin with a marker it scans forward byte by byte, reports the
// discarded run as a CorruptionSignal and carries on. When no marker is
// present at all it keeps only the last three bytes, which may be the start
// of a marker split across reads.
//
//	dec := protocol.NewFrameDecoder()
//	for _, out := range dec.Write(chunk) {
//	    switch o := out.(type) {
//	    case protocol.Frame:
//	        ev, err := protocol.ParseHeader(o)
//	        ...
//	    case protocol.CorruptionSignal:
//	        ...
//	    }
//	}
package protocol
