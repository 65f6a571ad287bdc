package decoder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/c360/iris/errors"
)

// GDTEntrySize is the size of one descriptor table slot.
const GDTEntrySize = 8

// SegmentClass classifies a descriptor.
type SegmentClass int

const (
	SegmentOther SegmentClass = iota
	SegmentNull
	SegmentCode
	SegmentData
	SegmentTSS
	SegmentTSSUpper
)

func (c SegmentClass) String() string {
	switch c {
	case SegmentNull:
		return "null"
	case SegmentCode:
		return "code"
	case SegmentData:
		return "data"
	case SegmentTSS:
		return "tss"
	case SegmentTSSUpper:
		return "tss-upper"
	default:
		return "other"
	}
}

// GDTEntry is one decoded descriptor. For a 64-bit TSS descriptor Base
// holds the full 64-bit address and Is64BitTSS is set; the slot it consumed
// follows as an entry with Reserved set and Base holding the upper half.
//
// Field tags name the binary (CBOR) encoding; MarshalJSON renders the
// human form with hex strings.
type GDTEntry struct {
	Index       int          `json:"index"`
	Base        uint64       `json:"base"`
	Limit       uint32       `json:"limit"`
	Type        uint8        `json:"type"`
	System      bool         `json:"system"`
	DPL         uint8        `json:"dpl"`
	Present     bool         `json:"present"`
	LongMode    bool         `json:"longMode"`
	DB          bool         `json:"db"`
	Granularity bool         `json:"granularity"`
	Class       SegmentClass `json:"class"`
	Is64BitTSS  bool         `json:"is64BitTss,omitempty"`
	Reserved    bool         `json:"reserved,omitempty"`
}

// Description is the human label for the entry.
func (e GDTEntry) Description() string {
	switch e.Class {
	case SegmentNull:
		return "Null"
	case SegmentCode, SegmentData:
		ring := "Kernel"
		if e.DPL != 0 {
			ring = "User"
		}
		kind := "Data"
		if e.Class == SegmentCode {
			kind = "Code"
		}
		return ring + " " + kind
	case SegmentTSS:
		return "TSS (Task State Segment)"
	case SegmentTSSUpper:
		return "TSS Upper Half (64-bit)"
	default:
		return ""
	}
}

// MarshalJSON renders addresses and limits as hex strings.
func (e GDTEntry) MarshalJSON() ([]byte, error) {
	if e.Reserved {
		return json.Marshal(struct {
			Index       int    `json:"index"`
			Description string `json:"description"`
			Base        string `json:"base"`
			Reserved    bool   `json:"reserved"`
		}{e.Index, e.Description(), formatAddress32(uint32(e.Base)), true})
	}

	base := formatAddress32(uint32(e.Base))
	if e.Is64BitTSS {
		base = formatAddress64(e.Base)
	}
	return json.Marshal(struct {
		Index       int    `json:"index"`
		Base        string `json:"base"`
		Limit       string `json:"limit"`
		Type        string `json:"type"`
		System      bool   `json:"system"`
		DPL         uint8  `json:"dpl"`
		Present     bool   `json:"present"`
		LongMode    bool   `json:"longMode"`
		DB          bool   `json:"db"`
		Granularity bool   `json:"granularity"`
		Description string `json:"description"`
		Is64BitTSS  bool   `json:"is64BitTss,omitempty"`
	}{
		Index:       e.Index,
		Base:        base,
		Limit:       formatAddress32(e.Limit),
		Type:        fmt.Sprintf("0x%X", e.Type),
		System:      e.System,
		DPL:         e.DPL,
		Present:     e.Present,
		LongMode:    e.LongMode,
		DB:          e.DB,
		Granularity: e.Granularity,
		Description: e.Description(),
		Is64BitTSS:  e.Is64BitTSS,
	})
}

// GDTTable is the decoded descriptor table.
type GDTTable struct {
	EntryCount   int        `json:"entryCount"`
	Entries      []GDTEntry `json:"entries"`
	CodeSelector *uint16    `json:"codeSegmentSelector"`
	DataSelector *uint16    `json:"dataSegmentSelector"`
	TSSSelector  *uint16    `json:"tssSelector"`
}

// FormatSelector renders a selector as a table offset, or "not found".
func FormatSelector(sel *uint16) string {
	if sel == nil {
		return "not found"
	}
	return fmt.Sprintf("0x%02x", *sel)
}

func selectorJSON(sel *uint16) *string {
	if sel == nil {
		return nil
	}
	s := FormatSelector(sel)
	return &s
}

// MarshalJSON renders selectors as hex strings and missing ones as null.
func (t *GDTTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EntryCount          int        `json:"entryCount"`
		Entries             []GDTEntry `json:"entries"`
		CodeSegmentSelector *string    `json:"codeSegmentSelector"`
		DataSegmentSelector *string    `json:"dataSegmentSelector"`
		TSSSelector         *string    `json:"tssSelector"`
	}{t.EntryCount, t.Entries, selectorJSON(t.CodeSelector), selectorJSON(t.DataSelector), selectorJSON(t.TSSSelector)})
}

// GDTDecoder interprets a raw copy of the global descriptor table.
type GDTDecoder struct{}

// Description implements Decoder.
func (GDTDecoder) Description() string { return "Global Descriptor Table decoder" }

// Decode implements Decoder. The payload must be a whole number of
// descriptor slots.
func (GDTDecoder) Decode(payload []byte) (Payload, error) {
	if len(payload)%GDTEntrySize != 0 {
		return nil, errors.WrapInvalid(errors.ErrPayloadDecode, "GDTDecoder", "Decode",
			fmt.Sprintf("split %d bytes into %d-byte descriptors", len(payload), GDTEntrySize))
	}

	count := len(payload) / GDTEntrySize
	table := &GDTTable{
		EntryCount: count,
		Entries:    make([]GDTEntry, 0, count),
	}

	for i := 0; i < count; i++ {
		off := i * GDTEntrySize
		entry := decodeDescriptor(payload[off:off+GDTEntrySize], i)

		// A 64-bit TSS descriptor spans two slots; the second holds base[63:32].
		if entry.System && (entry.Type == 0x9 || entry.Type == 0xB) && i+1 < count {
			upper := binary.LittleEndian.Uint32(payload[off+GDTEntrySize:])
			entry.Base = uint64(upper)<<32 | entry.Base
			entry.Is64BitTSS = true
			i++
			table.Entries = append(table.Entries, entry, GDTEntry{
				Index:    i,
				Base:     uint64(upper),
				Class:    SegmentTSSUpper,
				Reserved: true,
			})
			continue
		}
		table.Entries = append(table.Entries, entry)
	}

	table.CodeSelector = findSelector(table.Entries, func(e GDTEntry) bool {
		return !e.System && e.Present && e.Type&0x8 != 0
	})
	table.DataSelector = findSelector(table.Entries, func(e GDTEntry) bool {
		return !e.System && e.Present && e.Type&0x8 == 0
	})
	table.TSSSelector = findSelector(table.Entries, func(e GDTEntry) bool {
		return e.System && e.Present && (e.Type == 0x9 || e.Type == 0xB)
	})

	return table, nil
}

func decodeDescriptor(d []byte, index int) GDTEntry {
	limitLow := uint32(binary.LittleEndian.Uint16(d[0:]))
	baseLow := uint32(binary.LittleEndian.Uint16(d[2:]))
	baseMid := uint32(d[4])
	access := d[5]
	gran := d[6]
	baseHigh := uint32(d[7])

	e := GDTEntry{
		Index:       index,
		Base:        uint64(baseLow | baseMid<<16 | baseHigh<<24),
		Limit:       limitLow | uint32(gran&0x0F)<<16,
		Type:        access & 0x0F,
		System:      access&0x10 == 0,
		DPL:         (access >> 5) & 0x3,
		Present:     access&0x80 != 0,
		Granularity: gran&0x80 != 0,
		DB:          gran&0x40 != 0,
		LongMode:    gran&0x20 != 0,
	}
	if e.Granularity {
		e.Limit = e.Limit<<12 | 0xFFF
	}

	switch {
	case !e.Present && e.Base == 0 && e.Limit == 0:
		e.Class = SegmentNull
	case !e.System && e.Type&0x8 != 0:
		e.Class = SegmentCode
	case !e.System:
		e.Class = SegmentData
	case e.Type == 0x9 || e.Type == 0xB:
		e.Class = SegmentTSS
	}
	return e
}

// findSelector returns index*8 of the first slot matching match. Reserved
// upper-half slots never match.
func findSelector(entries []GDTEntry, match func(GDTEntry) bool) *uint16 {
	for i, e := range entries {
		if e.Reserved || !match(e) {
			continue
		}
		sel := uint16(i * GDTEntrySize)
		return &sel
	}
	return nil
}
