package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/bus"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "capability-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "tts", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func TestRegistryAnnouncesSpeechCapabilities(t *testing.T) {
	client := connect(t)
	caps := Speech(EngineInfo{Mode: "mock", Voice: "yukari", Language: `Lang\standard`, SampleRate: 44100})

	r, err := NewRegistry(context.Background(), nodeConfig("node-a"), caps, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	assert.True(t, r.Healthy())
	nodes := r.Query(WithVoiceFilter("yukari"))
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Len(t, r.Query(WithCapabilityFilter(NamePhonetic)), 1)
	assert.Empty(t, r.Query(WithVoiceFilter("kotonoha")))
}

func TestRegistryReannounceAfterVoiceSwitch(t *testing.T) {
	client := connect(t)
	info := EngineInfo{Mode: "mock", Voice: "yukari", SampleRate: 44100}
	r, err := NewRegistry(context.Background(), nodeConfig("node-a"), Speech(info), client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	info.Voice = "kotonoha"
	require.NoError(t, r.Announce(Speech(info)))

	assert.Len(t, r.Query(WithVoiceFilter("kotonoha")), 1)
	assert.Empty(t, r.Query(WithVoiceFilter("yukari")))
	local := r.LocalCapabilities()
	require.Len(t, local, 2)
	assert.Equal(t, "kotonoha", local[1].Attributes["voice"])
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), nodeConfig("node-a"), nil, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	peer, err := json.Marshal(announceMessage{
		NodeID:       "node-b",
		Role:         "tts",
		Capabilities: Speech(EngineInfo{Voice: "akane"}),
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Publish(subjectAnnounce, peer))
	require.NoError(t, client.Conn().Flush())

	require.Eventually(t, func() bool {
		return len(r.Query(WithVoiceFilter("akane"))) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, n := range r.Query(nil) {
			if n.ID == "node-b" {
				return !n.Healthy
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "peer without heartbeats must turn unhealthy")
	assert.True(t, r.Healthy(), "local node keeps heartbeating")
}
