// Package message defines what IRIS publishes to observers: the event
// record built from a parsed frame, the envelope every server message is
// wrapped in, and the JSON and CBOR codecs for both.
package message

import (
	"time"

	"github.com/c360/iris/decoder"
)

// Server message types.
const (
	TypeWelcome  = "welcome"
	TypeEvent    = "event"
	TypeBatch    = "batch"
	TypeStats    = "stats"
	TypeShutdown = "shutdown"
	TypePong     = "pong"
)

// Client message types.
const (
	TypePing      = "ping"
	TypeGetStats  = "getStats"
	TypeSubscribe = "subscribe"
)

// Event is the published form of one kernel event.
//
// Timestamp is kernel time in nanoseconds. JSON carries it as a decimal
// string because consumers written in JavaScript lose precision above
// 2^53; CBOR carries it as a native unsigned integer. Payload holds the raw
// bytes after the header (base64 in JSON). Decoded is set only when a
// registered decoder interpreted the payload.
type Event struct {
	Timestamp   uint64          `json:"timestamp,string"`
	EventType   uint16          `json:"eventType"`
	CPUID       uint8           `json:"cpuId"`
	Payload     []byte          `json:"payload,omitempty"`
	EventName   string          `json:"eventName,omitempty"`
	Category    string          `json:"category,omitempty"`
	Severity    string          `json:"severity,omitempty"`
	DecodedKind string          `json:"decodedKind,omitempty"`
	Decoded     decoder.Payload `json:"decoded,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
}

// Stats are the distributor counters reported in welcome and stats
// messages.
type Stats struct {
	TotalConnections     uint64  `json:"totalConnections"`
	ActiveConnections    int     `json:"activeConnections"`
	TotalEventsBroadcast uint64  `json:"totalEventsBroadcast"`
	TotalBytesSent       uint64  `json:"totalBytesSent"`
	UptimeSeconds        float64 `json:"uptime"`
}

// Welcome is the first message a subscriber receives.
type Welcome struct {
	ClientID   uint64 `json:"clientId"`
	ServerTime int64  `json:"serverTime"`
	Stats      Stats  `json:"stats"`
}

// Envelope wraps every message sent to a subscriber. Data holds the
// type-specific body; pong carries only Timestamp and shutdown only Reason.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ClientMessage is a request sent by a subscriber.
type ClientMessage struct {
	Type    string         `json:"type"`
	Filters map[string]any `json:"filters,omitempty"`
}

// NewEventEnvelope wraps a single event.
func NewEventEnvelope(e *Event) Envelope {
	return Envelope{Type: TypeEvent, Data: e}
}

// NewBatchEnvelope wraps several events in one message.
func NewBatchEnvelope(events []*Event) Envelope {
	return Envelope{Type: TypeBatch, Data: events}
}

// NewWelcomeEnvelope greets subscriber id.
func NewWelcomeEnvelope(id uint64, now time.Time, stats Stats) Envelope {
	return Envelope{Type: TypeWelcome, Data: Welcome{ClientID: id, ServerTime: now.UnixMilli(), Stats: stats}}
}

// NewStatsEnvelope answers a getStats request.
func NewStatsEnvelope(stats Stats) Envelope {
	return Envelope{Type: TypeStats, Data: stats}
}

// NewPongEnvelope answers a ping.
func NewPongEnvelope(now time.Time) Envelope {
	return Envelope{Type: TypePong, Timestamp: now.UnixMilli()}
}

// NewShutdownEnvelope tells subscribers the server is going away.
func NewShutdownEnvelope(reason string) Envelope {
	return Envelope{Type: TypeShutdown, Reason: reason}
}
