package events

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
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

func TestNATSBridgePublishesEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := ConnectNATS(server.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()

	bridge := NewNATSBridge(nc, "")
	received := make(chan Event, 4)
	sub, err := bridge.SubscribeOrchestration("o1", func(ev Event) { received <- ev })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	b := NewBroker(Options{Bridge: bridge})
	b.Publish(New(TypeTaskComplete, "o1", "done").WithTask("1"))
	b.Publish(New(TypeTaskComplete, "o2", "other orchestration"))

	select {
	case ev := <-received:
		assert.Equal(t, TypeTaskComplete, ev.Type)
		assert.Equal(t, "o1", ev.OrchestrationID)
		assert.Equal(t, "1", ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not bridged")
	}

	select {
	case ev := <-received:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBridgeSubject(t *testing.T) {
	bridge := NewNATSBridge(nil, "acme.lg")
	ev := New(TypeApprovalRequired, "abc", "")
	assert.Equal(t, "acme.lg.abc.approval-required", bridge.Subject(ev))

	assert.Equal(t, DefaultSubjectPrefix+".abc.approval-required", NewNATSBridge(nil, "").Subject(ev))
}

func TestNATSBridgeClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	err = NewNATSBridge(nc, "").Publish(New(TypePlan, "o1", ""))
	assert.Error(t, err)
}
