package message

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/iris/errors"
)

// Format selects the wire encoding of subscriber messages.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat maps a query parameter value to a Format. The empty string
// selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("%w: unknown format %q", errors.ErrInvalidData, s),
			"message", "ParseFormat", "format lookup")
	}
}

// ContentType returns the MIME type used when the encoding travels over
// HTTP or NATS headers.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// Core Deterministic Encoding: identical events encode to identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes v in format f.
func Encode(f Format, v any) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch f {
	case FormatCBOR:
		data, err = encMode.Marshal(v)
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Encode", string(f)+" marshal")
	}
	return data, nil
}

// Decode parses data in format f into v.
func Decode(f Format, data []byte, v any) error {
	var err error
	switch f {
	case FormatCBOR:
		err = decMode.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return errors.WrapInvalid(err, "message", "Decode", string(f)+" unmarshal")
	}
	return nil
}

// Encoder caches encodings of one envelope per format, so a broadcast
// serializes at most once per format regardless of subscriber count.
type Encoder struct {
	envelope Envelope
	cache    map[Format][]byte
}

// NewEncoder prepares env for lazy encoding.
func NewEncoder(env Envelope) *Encoder {
	return &Encoder{envelope: env, cache: make(map[Format][]byte, 2)}
}

// Bytes returns the encoding of the envelope in format f.
func (e *Encoder) Bytes(f Format) ([]byte, error) {
	if b, ok := e.cache[f]; ok {
		return b, nil
	}
	b, err := Encode(f, e.envelope)
	if err != nil {
		return nil, err
	}
	e.cache[f] = b
	return b, nil
}
