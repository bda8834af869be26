package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOutAndUnsubscribe(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()
	require.Equal(t, 2, b.Subscribers())

	b.Publish(TypeResolved, "CALL-001")
	assert.Equal(t, TypeResolved, (<-a).Type)
	assert.Equal(t, "CALL-001", (<-c).Data)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok, "channel closed on unsubscribe")
	assert.Equal(t, 1, b.Subscribers())
}

func TestBusDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()
	for i := 0; i < 40; i++ {
		b.Publish(TypeLiveSnapshot, i)
	}
	assert.Len(t, ch, 16)
}

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSBridgeForwardsEvents(t *testing.T) {
	ns := runNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("dispatch.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	bridge, err := DialNATS(ns.ClientURL(), "dispatch", nil)
	require.NoError(t, err)
	defer bridge.Close()
	assert.True(t, bridge.Healthy())

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Forward(ctx, bus)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(TypeSimulation, map[string]any{"isRunning": true})

	select {
	case m := <-msgs:
		assert.Equal(t, "dispatch.simulation.status", m.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		assert.Equal(t, TypeSimulation, ev.Type)
		assert.Equal(t, map[string]any{"isRunning": true}, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatalf("no message forwarded")
	}

	cancel()
	<-done
	assert.Equal(t, 0, bus.Subscribers())
}
