package decoder

import "fmt"

// Payload is the decoded form of an event payload. The set of
// implementations is closed: *GDTTable, *TSSRecord and *RawPayload.
type Payload interface {
	// Kind names the variant: "gdt", "tss" or "raw".
	Kind() string
	sealed()
}

// Payload kinds.
const (
	KindGDT = "gdt"
	KindTSS = "tss"
	KindRaw = "raw"
)

// RawPayload carries bytes no registered decoder interpreted.
type RawPayload struct {
	Bytes []byte `json:"bytes"`
}

func (*RawPayload) Kind() string { return KindRaw }
func (*RawPayload) sealed()      {}

func (*GDTTable) Kind() string { return KindGDT }
func (*GDTTable) sealed()      {}

func (*TSSRecord) Kind() string { return KindTSS }
func (*TSSRecord) sealed()      {}

func formatAddress64(v uint64) string {
	return fmt.Sprintf("0x%016X", v)
}

func formatAddress32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
