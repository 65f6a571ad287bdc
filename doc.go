// Package iris is the debug-instrumentation backend for a kernel under
// active development.
//
// The kernel writes a binary event stream to a Unix domain socket. IRIS
// reads it, recovers frame boundaries after corruption or producer
// restarts, decodes headers and known payloads, and republishes every
// event live to WebSocket subscribers and, optionally, to NATS.
//
// # Architecture
//
//	┌────────────────────┐
//	│   kernel socket    │  input/kernel: reconnecting Unix socket client
//	└─────────┬──────────┘
//	          ↓ chunks
//	┌────────────────────┐
//	│   FrameDecoder     │  protocol: marker scan, resync, header parse
//	└─────────┬──────────┘
//	          ↓ frames / corruption signals
//	┌────────────────────┐
//	│   Orchestrator     │  engine: session state, catalogue labels,
//	│                    │  decoder registry, processors
//	└────┬──────────┬────┘
//	     ↓          ↓
//	┌─────────┐ ┌────────┐
//	│  /ws    │ │  NATS  │  output/websocket fan-out, output/nats sink
//	└─────────┘ └────────┘
//
// Data flows strictly downstream. Only the Orchestrator owns session
// state; every other component is a constructed instance handed to it.
//
// # Wire format
//
// Each frame is a 4-byte little-endian marker 0x53495249 ("IRIS"), a
// 2-byte little-endian length L and L bytes of data. The data starts with
// an 18-byte header (timestamp, event type, CPU id) followed by the
// payload. See package protocol.
//
// # Packages
//
//   - protocol: framing and header parsing
//   - decoder: per-event-type payload decoders (GDT, TSS)
//   - catalog: event names, categories and severities
//   - input/kernel: the transport client
//   - engine: the Orchestrator and event processors
//   - message: the published event model and JSON/CBOR codecs
//   - output/websocket: the subscriber fan-out
//   - output/nats, natsclient: optional bus publishing
//   - config, metric, health, errors, pkg/retry, pkg/buffer: ambient stack
//
// The binary lives in cmd/iris:
//
//	iris serve --socket /tmp/iris_kernel.sock --addr :8080
//	iris simulate --socket /tmp/iris_kernel.sock --garbage 16
package iris
