// Package natsclient wraps the NATS Go client with a circuit breaker,
// connection status tracking and context-aware connect, publish and close.
//
// IRIS uses it to republish decoded kernel events onto a message bus. The
// bus is optional: when no server is reachable the client fails fast once
// the circuit opens instead of stalling the event pipeline.
//
// # Connection lifecycle
//
// A client moves through Disconnected, Connecting, Connected and
// Reconnecting. Consecutive connect failures beyond the threshold
// (default 5) move it to CircuitOpen; the circuit is retested after a
// backoff that doubles up to the configured maximum.
//
// # Basic usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("iris"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Publish(ctx, "iris.events.0x0101", data)
//
// # Testing
//
// NewTestClient starts a throwaway nats server container through
// testcontainers-go and returns a connected client.
package natsclient
