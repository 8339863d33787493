package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/bus"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Equal(t, "", srv.ClientURL())
	srv.Shutdown()
}

func TestEmbeddedRoundTrip(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "embedded-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	assert.True(t, client.Healthy())

	_, err = client.Conn().Subscribe("echo", func(msg *nats.Msg) {
		_ = msg.Respond(msg.Data)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply map[string]string
	require.NoError(t, client.RequestJSON(ctx, "echo", map[string]string{"text": "konnichiwa"}, &reply))
	assert.Equal(t, "konnichiwa", reply["text"])
}
