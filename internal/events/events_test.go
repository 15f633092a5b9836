package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestPublisherLifecycleEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ingest.alpha.job-1.>")
	require.NoError(t, err)

	p := NewPublisher(nc, zap.NewNop())
	require.True(t, p.Enabled())

	p.IngestStarted("alpha", "job-1", 3)
	p.IngestProgress("alpha", "job-1", 1, 3)
	p.IngestCompleted("alpha", "job-1", 2, 1)

	expect := []struct {
		subject string
		check   func(t *testing.T, ev JobEvent)
	}{
		{
			subject: "ingest.alpha.job-1.started",
			check: func(t *testing.T, ev JobEvent) {
				assert.Equal(t, 3, ev.Total)
			},
		},
		{
			subject: "ingest.alpha.job-1.progress",
			check: func(t *testing.T, ev JobEvent) {
				assert.Equal(t, 1, ev.Processed)
				assert.Equal(t, 3, ev.Total)
			},
		},
		{
			subject: "ingest.alpha.job-1.completed",
			check: func(t *testing.T, ev JobEvent) {
				assert.Equal(t, 2, ev.Succeeded)
				assert.Equal(t, 1, ev.Failed)
			},
		},
	}

	for _, want := range expect {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want.subject, msg.Subject)

		var ev JobEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "job-1", ev.Job)
		assert.Equal(t, "alpha", ev.Project)
		assert.False(t, ev.Timestamp.IsZero())
		want.check(t, ev)
	}
}

func TestPublisherFailedEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ingest.alpha.job-2.failed")
	require.NoError(t, err)

	p := NewPublisher(nc, zap.NewNop())
	p.IngestFailed("alpha", "job-2", assert.AnError)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var ev JobEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, assert.AnError.Error(), ev.Error)
}

func TestPublisherNilConnectionIsNoOp(t *testing.T) {
	p := NewPublisher(nil, zap.NewNop())
	assert.False(t, p.Enabled())

	// Must not panic.
	p.IngestStarted("alpha", "job-1", 1)
	p.IngestProgress("alpha", "job-1", 1, 1)
	p.IngestCompleted("alpha", "job-1", 1, 0)
	p.IngestFailed("alpha", "job-1", assert.AnError)
}

func TestPublisherNilReceiverIsNoOp(t *testing.T) {
	var p *Publisher
	assert.False(t, p.Enabled())
	p.IngestStarted("alpha", "job-1", 1)
}
