//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishReachesSubscriber(t *testing.T) {
	tc := NewTestClient(t)
	client := tc.Client

	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	watcher, err := nats.Connect(tc.URL)
	require.NoError(t, err)
	defer watcher.Close()
	sub, err := watcher.SubscribeSync("iris.events.>")
	require.NoError(t, err)
	require.NoError(t, watcher.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Publish(ctx, "iris.events.0x0100", []byte("boot")))

	msg, err := sub.NextMsgWithContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "iris.events.0x0100", msg.Subject)
	assert.Equal(t, "boot", string(msg.Data))

	status := client.GetStatus()
	assert.Equal(t, StatusConnected, status.Status)
	assert.Greater(t, status.RTT, time.Duration(0))
}
