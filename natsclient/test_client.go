package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultTestImage is the nats server image used by NewTestClient.
const DefaultTestImage = "nats:2.11.7-alpine"

// TestClient provides a testcontainers-backed NATS server and a connected client
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

// NewTestClient starts a NATS container and connects a client to it. The
// container is terminated through t.Cleanup.
func NewTestClient(t testing.TB) *TestClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        DefaultTestImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url,
		WithTimeout(5*time.Second),
		WithMaxReconnects(0),
	)
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})

	return &TestClient{container: container, Client: client, URL: url}
}
