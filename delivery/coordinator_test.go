package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/models"
	"chatline/storage"
	"chatline/transport"
)

var peer = models.User{ID: "user-peer", Name: "Grace"}

func TestSendAckedBeforeTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{start: 1000, ackDelay: 200 * time.Millisecond})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)

	view := h.coordinator.View("r1")
	require.Len(t, view, 1)
	assert.Equal(t, models.StatusSending, view[0].Status)
	assert.Equal(t, int64(1000), view[0].Timestamp)
	assert.Equal(t, 0, view[0].RetryCount)
	assert.Equal(t, self, view[0].Sender)

	h.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, models.StatusSent, h.status(t, sent.ID))

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, models.StatusSent, h.status(t, sent.ID))
	assert.Zero(t, h.clock.PendingCount())

	stored, ok := h.store.get(sent.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSent, stored.Status)
}

func TestSendWithoutAckFailsThenRetryRepublishesAfterDelay(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	require.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1)

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, models.StatusSending, h.status(t, sent.ID))
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, models.StatusFailed, h.status(t, sent.ID))
	assert.Equal(t, int64(5000), h.clock.Now().UnixMilli())

	stored, _ := h.store.get(sent.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)

	require.NoError(t, h.coordinator.Retry(ctx, sent.ID))
	retried, _ := h.coordinator.Get(sent.ID)
	assert.Equal(t, models.StatusSending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	stored, _ = h.store.get(sent.ID)
	assert.Equal(t, 1, stored.RetryCount)

	h.clock.Advance(1999 * time.Millisecond)
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1)
	h.clock.Advance(time.Millisecond)
	published := h.channel.PublishedNamed(transport.EventMessage)
	require.Len(t, published, 2)
	assert.Equal(t, int64(7000), h.clock.Now().UnixMilli())

	var republished models.Message
	require.NoError(t, published[1].Decode(0, &republished))
	assert.Equal(t, sent.ID, republished.ID)
	assert.Equal(t, 1, republished.RetryCount)

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, models.StatusSending, h.status(t, sent.ID))
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, models.StatusFailed, h.status(t, sent.ID))
}

func TestRetryIsBoundedByMaxRetries(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.clock.Advance(DefaultAckTimeout)

	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		require.NoError(t, h.coordinator.Retry(ctx, sent.ID))
		h.clock.Advance(DefaultRetryDelay + DefaultAckTimeout)
		message, _ := h.coordinator.Get(sent.ID)
		require.Equal(t, models.StatusFailed, message.Status)
		require.Equal(t, attempt, message.RetryCount)
	}

	err = h.coordinator.Retry(ctx, sent.ID)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
	message, _ := h.coordinator.Get(sent.ID)
	assert.Equal(t, models.StatusFailed, message.Status)
	assert.Equal(t, DefaultMaxRetries, message.RetryCount)
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1+DefaultMaxRetries)
}

func TestZeroMaxRetriesDisablesRetry(t *testing.T) {
	zero := 0
	h := newHarness(t, harnessOptions{noAck: true, maxRetries: &zero})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.clock.Advance(DefaultAckTimeout)
	require.Equal(t, models.StatusFailed, h.status(t, sent.ID))

	err = h.coordinator.Retry(ctx, sent.ID)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
	message, _ := h.coordinator.Get(sent.ID)
	assert.Zero(t, message.RetryCount)
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1)
}

func TestRetryRejectsNonFailedAndUnknown(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, h.coordinator.Retry(ctx, sent.ID), ErrRetryNotAllowed)
	assert.ErrorIs(t, h.coordinator.Retry(ctx, "missing"), ErrUnknownMessage)
	assert.Equal(t, models.StatusSending, h.status(t, sent.ID))
}

func TestAckDuringRetryDelayCancelsRepublish(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.clock.Advance(DefaultAckTimeout)
	require.NoError(t, h.coordinator.Retry(ctx, sent.ID))

	h.clock.Advance(time.Second)
	require.NoError(t, h.channel.Inject(transport.EventMessageAck, sent.ID))
	assert.Equal(t, models.StatusSent, h.status(t, sent.ID))

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, models.StatusSent, h.status(t, sent.ID))
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1)
	assert.Zero(t, h.clock.PendingCount())
}

func TestLateAckAfterFailureKeepsFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.clock.Advance(DefaultAckTimeout)

	assert.False(t, h.coordinator.HandleAck(ctx, sent.ID))
	assert.Equal(t, models.StatusFailed, h.status(t, sent.ID))
	assert.NoError(t, h.coordinator.Retry(ctx, sent.ID))
}

func TestDuplicateIncomingStoredOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{start: 1000})
	incoming := models.Message{ID: "remote-1", RoomID: "r1", Text: "hello", Sender: peer, Timestamp: 900, Kind: models.KindText}

	require.NoError(t, h.channel.Inject(transport.EventMessage, incoming))
	require.NoError(t, h.channel.Inject(transport.EventMessage, incoming))
	assert.False(t, h.coordinator.HandleIncoming(context.Background(), incoming))

	view := h.coordinator.View("r1")
	require.Len(t, view, 1)
	assert.Equal(t, models.StatusSent, view[0].Status)
	assert.Equal(t, peer, view[0].Sender)
	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, 1, h.store.adds)
}

func TestSeenIDsSurviveRestart(t *testing.T) {
	store := newMemStore()
	incoming := models.Message{ID: "remote-1", RoomID: "r1", Text: "hello", Sender: peer, Timestamp: 900}

	first := newHarness(t, harnessOptions{store: store})
	require.NoError(t, first.channel.Inject(transport.EventMessage, incoming))
	first.coordinator.Close()

	second := newHarness(t, harnessOptions{store: store})
	require.NoError(t, second.channel.Inject(transport.EventMessage, incoming))
	assert.Empty(t, second.coordinator.View("r1"))
	assert.Equal(t, 1, store.adds)
}

func TestIncomingAckForRemoteMessageIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	incoming := models.Message{ID: "remote-1", RoomID: "r1", Sender: peer, Status: models.StatusSending}
	require.True(t, h.coordinator.HandleIncoming(context.Background(), incoming))

	assert.False(t, h.coordinator.HandleAck(context.Background(), "remote-1"))
	assert.Equal(t, models.StatusSent, h.status(t, "remote-1"))
}

func TestDeleteIsLocalSoftDelete(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "oops", models.KindText, nil)
	require.NoError(t, err)
	require.NoError(t, h.coordinator.Delete(ctx, sent.ID))
	require.NoError(t, h.coordinator.Delete(ctx, sent.ID))

	assert.Empty(t, h.coordinator.View("r1"))
	history := h.coordinator.History("r1")
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusDeleted, history[0].Status)

	stored, _ := h.store.get(sent.ID)
	assert.Equal(t, models.StatusDeleted, stored.Status)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, models.StatusDeleted, h.status(t, sent.ID))
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 1)
	assert.ErrorIs(t, h.coordinator.Retry(ctx, sent.ID), ErrRetryNotAllowed)
	assert.ErrorIs(t, h.coordinator.Delete(ctx, "missing"), ErrUnknownMessage)

	// a tombstoned id still deduplicates
	echo := sent
	echo.Status = models.StatusSent
	assert.False(t, h.coordinator.HandleIncoming(ctx, echo))
}

func TestPublishWhileDisconnectedFailsByTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{offline: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	assert.Empty(t, h.channel.Published())
	assert.Equal(t, models.StatusSending, h.status(t, sent.ID))

	h.clock.Advance(DefaultAckTimeout)
	assert.Equal(t, models.StatusFailed, h.status(t, sent.ID))
}

func TestStorageFailuresAreNotFatal(t *testing.T) {
	store := newMemStore()
	store.failing = true
	h := newHarness(t, harnessOptions{store: store, ackDelay: 100 * time.Millisecond})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	require.Len(t, h.coordinator.View("r1"), 1)

	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, models.StatusSent, h.status(t, sent.ID))
	assert.Zero(t, store.count())
}

func TestSendRequiresRoom(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.coordinator.Send(context.Background(), "", "hi", models.KindText, nil)
	assert.ErrorIs(t, err, ErrNoRoom)

	_, err = h.coordinator.Send(context.Background(), "r1", "hi", "sticker", nil)
	assert.Error(t, err)
	assert.Empty(t, h.channel.PublishedNamed(transport.EventMessage))
}

func TestLoadRoomMergesPersistedAndAppended(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for _, message := range []models.Message{
		{ID: "old-3", RoomID: "r1", Sender: peer, Timestamp: 300, Status: models.StatusSent},
		{ID: "old-1", RoomID: "r1", Sender: peer, Timestamp: 100, Status: models.StatusSent},
		{ID: "gone", RoomID: "r1", Sender: self, Timestamp: 200, Status: models.StatusDeleted},
		{ID: "other", RoomID: "r2", Sender: peer, Timestamp: 150, Status: models.StatusSent},
	} {
		require.NoError(t, store.Add(ctx, message))
	}
	h := newHarness(t, harnessOptions{start: 1000, store: store})

	store.failing = true
	require.True(t, h.coordinator.HandleIncoming(ctx, models.Message{ID: "fresh", RoomID: "r1", Sender: peer, Timestamp: 50}))
	store.failing = false

	view, err := h.coordinator.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	ids := make([]string, 0, len(view))
	for _, message := range view {
		ids = append(ids, message.ID)
	}
	assert.Equal(t, []string{"old-1", "old-3", "fresh"}, ids)
	assert.Len(t, h.coordinator.History("r1"), 4)

	require.NoError(t, h.channel.Inject(transport.EventMessage, models.Message{ID: "old-1", RoomID: "r1", Sender: peer}))
	assert.Len(t, h.coordinator.View("r1"), 3)
}

func TestLoadRoomKeepsProjectionWhenStoreFails(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, harnessOptions{store: store})
	ctx := context.Background()

	_, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)

	store.listErr = storage.ErrStorageUnavailable
	view, err := h.coordinator.LoadRoom(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Len(t, view, 1)
}

func TestRecoverMarksStrandedSendsFailed(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, models.Message{ID: "stranded", RoomID: "r1", Sender: self, Timestamp: 10, Status: models.StatusSending}))
	require.NoError(t, store.Add(ctx, models.Message{ID: "theirs", RoomID: "r1", Sender: peer, Timestamp: 20, Status: models.StatusSending}))

	h := newHarness(t, harnessOptions{store: store, noAck: true})
	live, err := h.coordinator.Send(ctx, "r1", "live", models.KindText, nil)
	require.NoError(t, err)

	recovered, err := h.coordinator.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, _ := store.get("stranded")
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.StatusSending, h.status(t, live.ID))

	_, err = h.coordinator.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.coordinator.Retry(ctx, "stranded"))
	h.clock.Advance(DefaultRetryDelay)
	assert.Len(t, h.channel.PublishedNamed(transport.EventMessage), 2)
}

func TestOnChangeReceivesActiveView(t *testing.T) {
	h := newHarness(t, harnessOptions{ackDelay: 300 * time.Millisecond})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		statuses []models.MessageStatus
	)
	h.coordinator.OnChange(func(roomID string, view []models.Message) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "r1", roomID)
		if len(view) == 1 {
			statuses = append(statuses, view[0].Status)
		}
	})

	_, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.clock.Advance(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.MessageStatus{models.StatusSending, models.StatusSent}, statuses)
}

func TestCloseCancelsTimersAndSubscriptions(t *testing.T) {
	h := newHarness(t, harnessOptions{noAck: true})
	ctx := context.Background()

	sent, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
	require.NoError(t, err)
	h.coordinator.Close()

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.channel.Inject(transport.EventMessageAck, sent.ID))
	assert.Equal(t, models.StatusSending, h.status(t, sent.ID))

	_, err = h.coordinator.Send(ctx, "r1", "again", models.KindText, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.Is(h.coordinator.Retry(ctx, sent.ID), ErrClosed))
}

func TestConcurrentSendsAllAcked(t *testing.T) {
	h := newHarness(t, harnessOptions{ackDelay: 100 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coordinator.Send(ctx, "r1", "hi", models.KindText, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h.clock.Advance(100 * time.Millisecond)
	view := h.coordinator.View("r1")
	require.Len(t, view, 20)
	for _, message := range view {
		assert.Equal(t, models.StatusSent, message.Status)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Self: self, Channel: transport.NewLoopback(transport.LoopbackOptions{})})
	assert.Error(t, err)
	_, err = New(Options{Self: self, Store: newMemStore()})
	assert.Error(t, err)
	_, err = New(Options{Store: newMemStore(), Channel: transport.NewLoopback(transport.LoopbackOptions{})})
	assert.Error(t, err)
}

func TestCoordinatorWithSQLiteStore(t *testing.T) {
	store := storage.New(t.TempDir(), storage.Options{})
	t.Cleanup(func() { _ = store.Close() })

	fake := newHarness(t, harnessOptions{ackDelay: 100 * time.Millisecond})
	fake.coordinator.Close()

	coordinator, err := New(Options{
		Self:    self,
		Store:   store,
		Seen:    store,
		Channel: fake.channel,
		Clock:   fake.clock,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)
	ctx := context.Background()

	sent, err := coordinator.Send(ctx, "r1", "persisted", models.KindText, nil)
	require.NoError(t, err)
	fake.clock.Advance(100 * time.Millisecond)

	stored, err := store.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)

	seen, err := store.HasSeenID(ctx, sent.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	recovered, err := coordinator.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
