package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/clock"
	"chatline/models"
)

func newTestLoopback(t *testing.T, options LoopbackOptions) (*Loopback, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(0))
	options.Clock = fake
	return NewLoopback(options), fake
}

func TestLoopbackConnectAfterDelay(t *testing.T) {
	room := models.Room{ID: "room-1", Type: models.RoomGroup, Name: "General"}
	lb, fake := newTestLoopback(t, LoopbackOptions{SeedRooms: []models.Room{room}})

	var events []string
	lb.Subscribe(EventConnect, func(e Event) { events = append(events, e.Name) })
	lb.Subscribe(EventRoomCreated, func(e Event) {
		var got models.Room
		require.NoError(t, e.Decode(0, &got))
		events = append(events, e.Name+":"+got.ID)
	})

	assert.Equal(t, StateDisconnected, lb.State())
	lb.Connect()
	assert.Equal(t, StateConnecting, lb.State())

	fake.Advance(99 * time.Millisecond)
	assert.Equal(t, StateConnecting, lb.State())
	fake.Advance(time.Millisecond)
	assert.Equal(t, StateConnected, lb.State())
	assert.Equal(t, []string{EventConnect, EventRoomCreated + ":room-1"}, events)
}

func TestLoopbackPublishWhileDisconnected(t *testing.T) {
	lb, _ := newTestLoopback(t, LoopbackOptions{})

	err := lb.Publish(context.Background(), EventMessage, models.Message{ID: "msg-1"})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, lb.Published())

	connected := false
	lb.Subscribe(EventConnect, func(Event) { connected = true })
	require.NoError(t, lb.Publish(context.Background(), EventConnect))
	assert.True(t, connected)
}

func TestLoopbackEchoesOnceAndAcks(t *testing.T) {
	lb, fake := newTestLoopback(t, LoopbackOptions{ConnectDelay: -1})
	lb.Connect()
	require.Equal(t, StateConnected, lb.State())

	var echoed, acked []string
	lb.Subscribe(EventMessage, func(e Event) {
		var m models.Message
		require.NoError(t, e.Decode(0, &m))
		echoed = append(echoed, m.ID)
	})
	lb.Subscribe(EventMessageAck, func(e Event) {
		var id string
		require.NoError(t, e.Decode(0, &id))
		acked = append(acked, id)
	})

	message := models.Message{ID: "msg-1", RoomID: "room-1", Text: "hi"}
	require.NoError(t, lb.Publish(context.Background(), EventMessage, message))
	require.NoError(t, lb.Publish(context.Background(), EventMessage, message))

	assert.Equal(t, []string{"msg-1"}, echoed)
	assert.Empty(t, acked)

	fake.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"msg-1", "msg-1"}, acked)
	assert.Len(t, lb.PublishedNamed(EventMessage), 2)
}

func TestLoopbackDisableAutoAck(t *testing.T) {
	lb, fake := newTestLoopback(t, LoopbackOptions{ConnectDelay: -1, DisableAutoAck: true})
	lb.Connect()

	acked := 0
	lb.Subscribe(EventMessageAck, func(Event) { acked++ })
	require.NoError(t, lb.Publish(context.Background(), EventMessage, models.Message{ID: "msg-1"}))

	fake.Advance(10 * time.Second)
	assert.Zero(t, acked)
	assert.Zero(t, fake.PendingCount())
}

func TestLoopbackDisconnectCancelsPendingAcks(t *testing.T) {
	lb, fake := newTestLoopback(t, LoopbackOptions{ConnectDelay: -1})
	lb.Connect()

	acked := 0
	disconnected := false
	lb.Subscribe(EventMessageAck, func(Event) { acked++ })
	lb.Subscribe(EventDisconnect, func(Event) { disconnected = true })

	require.NoError(t, lb.Publish(context.Background(), EventMessage, models.Message{ID: "msg-1"}))
	lb.Disconnect()
	assert.True(t, disconnected)
	assert.Equal(t, StateDisconnected, lb.State())

	fake.Advance(time.Second)
	assert.Zero(t, acked)

	assert.ErrorIs(t, lb.Inject(EventMessageAck, "msg-1"), ErrDisconnected)
}

func TestLoopbackPublishHonoursContext(t *testing.T) {
	lb, _ := newTestLoopback(t, LoopbackOptions{ConnectDelay: -1})
	lb.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, lb.Publish(ctx, EventCallEnded, "room-1"), context.Canceled)
}
