// Package engine wires the IRIS pipeline together.
//
// The Orchestrator reads the kernel transport's output channel on a single
// goroutine. Frames are parsed into events, labelled from the event
// catalogue, decoded through the payload decoder registry and handed to
// the distributor, the optional NATS sink and the configured processor in
// that order. Corruption signals are counted always but logged only after
// the producer has sent IRIS_INIT.
//
// Session state lives here and nowhere else: an IRIS_INIT event starts a
// session with a fresh id, and any transport close or Stop ends it.
//
// Processors are lightweight observers selected by name:
//
//	count    logs the running total every StatsInterval
//	console  logs each event with its catalogue label
//	none     disables processing
package engine
