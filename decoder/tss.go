package decoder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// 64-bit task state segment offsets.
const (
	tssRSP0Offset      = 0x04
	tssRSP1Offset      = 0x0C
	tssRSP2Offset      = 0x14
	tssISTOffset       = 0x24
	tssIOMapBaseOffset = 0x66
	tssMinIOMapLength  = 0x68

	// ISTEntries is the number of interrupt stack table slots.
	ISTEntries = 7

	// IOMapDisabled in the I/O map base field means no permission bitmap.
	IOMapDisabled uint16 = 0xFFFF
)

// ISTEntry is one interrupt stack table slot. Index is 1-based as in the
// processor manuals.
type ISTEntry struct {
	Index      int    `json:"index"`
	Address    uint64 `json:"address"`
	Configured bool   `json:"configured"`
}

// TSSSummary condenses a TSSRecord into presence flags.
type TSSSummary struct {
	KernelStackConfigured bool `json:"kernelStackConfigured"`
	ISTEntriesConfigured  int  `json:"istEntriesConfigured"`
	IOPermissionsEnabled  bool `json:"ioPermissionsEnabled"`
}

// TSSRecord is a decoded 64-bit task state segment.
type TSSRecord struct {
	RSP0      uint64               `json:"rsp0"`
	RSP1      uint64               `json:"rsp1"`
	RSP2      uint64               `json:"rsp2"`
	IST       [ISTEntries]ISTEntry `json:"ist"`
	IOMapBase uint16               `json:"ioMapBase"`
}

// Summary reports which fields are configured.
func (r *TSSRecord) Summary() TSSSummary {
	s := TSSSummary{
		KernelStackConfigured: r.RSP0 != 0,
		IOPermissionsEnabled:  r.IOMapBase != IOMapDisabled && r.IOMapBase != 0,
	}
	for _, e := range r.IST {
		if e.Configured {
			s.ISTEntriesConfigured++
		}
	}
	return s
}

// IOMapDescription renders the I/O map base, "disabled" for the sentinel.
func (r *TSSRecord) IOMapDescription() string {
	if r.IOMapBase == IOMapDisabled {
		return "disabled"
	}
	return fmt.Sprintf("0x%X", r.IOMapBase)
}

// MarshalJSON renders addresses as 16-digit hex strings.
func (r *TSSRecord) MarshalJSON() ([]byte, error) {
	type istJSON struct {
		Index      int    `json:"index"`
		Address    string `json:"address"`
		Configured bool   `json:"configured"`
	}
	ist := make([]istJSON, len(r.IST))
	for i, e := range r.IST {
		ist[i] = istJSON{e.Index, formatAddress64(e.Address), e.Configured}
	}
	return json.Marshal(struct {
		RSP0      string     `json:"rsp0"`
		RSP1      string     `json:"rsp1"`
		RSP2      string     `json:"rsp2"`
		IST       []istJSON  `json:"ist"`
		IOMapBase string     `json:"ioMapBase"`
		Summary   TSSSummary `json:"summary"`
	}{
		RSP0:      formatAddress64(r.RSP0),
		RSP1:      formatAddress64(r.RSP1),
		RSP2:      formatAddress64(r.RSP2),
		IST:       ist,
		IOMapBase: r.IOMapDescription(),
		Summary:   r.Summary(),
	})
}

// TSSDecoder interprets a raw copy of a 64-bit task state segment. Fields
// beyond the end of a short payload read as zero.
type TSSDecoder struct{}

// Description implements Decoder.
func (TSSDecoder) Description() string { return "Task State Segment decoder" }

// Decode implements Decoder.
func (TSSDecoder) Decode(payload []byte) (Payload, error) {
	r := &TSSRecord{
		RSP0: readU64(payload, tssRSP0Offset),
		RSP1: readU64(payload, tssRSP1Offset),
		RSP2: readU64(payload, tssRSP2Offset),
	}
	for i := range r.IST {
		addr := readU64(payload, tssISTOffset+i*8)
		r.IST[i] = ISTEntry{Index: i + 1, Address: addr, Configured: addr != 0}
	}
	if len(payload) >= tssMinIOMapLength {
		r.IOMapBase = binary.LittleEndian.Uint16(payload[tssIOMapBaseOffset:])
	}
	return r, nil
}

// readU64 assembles a 64-bit value from two 32-bit halves, since TSS fields
// are only 4-byte aligned. Out-of-range reads yield 0.
func readU64(b []byte, off int) uint64 {
	if off+8 > len(b) {
		return 0
	}
	lo := binary.LittleEndian.Uint32(b[off:])
	hi := binary.LittleEndian.Uint32(b[off+4:])
	return uint64(hi)<<32 | uint64(lo)
}
