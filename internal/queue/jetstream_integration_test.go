//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) nats.JetStreamContext {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	js, err := conn.JetStream()
	require.NoError(t, err)
	return js
}

func TestJetStream_SendReceiveRedeliver(t *testing.T) {
	js := startNATS(t)
	ctx := context.Background()
	cfg := Config{Name: Auth, VisibilityTimeout: 2 * time.Second}

	reg, err := NewJetStreamRegistry(js, []Config{cfg, {Name: User, VisibilityTimeout: time.Minute}})
	require.NoError(t, err)
	require.NoError(t, EnsureJetStream(js, []Config{cfg}), "provisioning is idempotent")

	require.NoError(t, reg.Send(ctx, Auth, Message{ID: "m1", Body: []byte(`{"userId":"u1"}`)}))
	// Same ID is de-duplicated by the stream.
	require.NoError(t, reg.Send(ctx, Auth, Message{ID: "m1", Body: []byte(`{"userId":"u1"}`)}))

	q, ok := reg.Queue(Auth)
	require.True(t, ok)

	got, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, 1, got[0].Attempt)

	time.Sleep(3 * time.Second)
	again, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempt)
	require.NoError(t, q.Ack(ctx, again[0]))

	empty, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, _ := reg.Queue(User)
	none, err := other.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "queues do not share messages")
}
