package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatline/clock"
	"chatline/models"
	"chatline/storage"
	"chatline/transport"
)

var self = models.User{ID: "user-self", Name: "Ada"}

// memStore is an in-memory Store that can be told to fail writes.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.Message
	order   []string
	adds    int
	failing bool
	seen    map[string]int64
	listErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.Message), seen: make(map[string]int64)}
}

func (s *memStore) Add(_ context.Context, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if s.failing {
		return storage.ErrStorageUnavailable
	}
	if _, ok := s.records[message.ID]; ok {
		return fmt.Errorf("%w: message %q", storage.ErrDuplicateKey, message.ID)
	}
	s.records[message.ID] = message.Clone()
	s.order = append(s.order, message.ID)
	return nil
}

func (s *memStore) Update(_ context.Context, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return storage.ErrStorageUnavailable
	}
	if _, ok := s.records[message.ID]; !ok {
		s.order = append(s.order, message.ID)
	}
	s.records[message.ID] = message.Clone()
	return nil
}

func (s *memStore) ListByRoom(_ context.Context, roomID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Message, 0)
	for _, id := range s.order {
		if s.records[id].RoomID == roomID {
			out = append(out, s.records[id].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *memStore) ListByStatus(_ context.Context, status models.MessageStatus) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0)
	for _, id := range s.order {
		if s.records[id].Status == status {
			out = append(out, s.records[id].Clone())
		}
	}
	return out, nil
}

func (s *memStore) InsertSeenID(_ context.Context, messageID string, receivedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("seen table unavailable")
	}
	s.seen[messageID] = receivedAt
	return nil
}

func (s *memStore) HasSeenID(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[messageID]
	return ok, nil
}

func (s *memStore) get(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.records[id]
	return message, ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type harness struct {
	clock       *clock.FakeClock
	channel     *transport.Loopback
	store       *memStore
	coordinator *Coordinator
}

type harnessOptions struct {
	start    int64
	ackDelay time.Duration
	noAck    bool
	offline  bool
	store    *memStore
	// maxRetries overrides DefaultMaxRetries when set.
	maxRetries *int
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()

	fake := clock.Fake(time.UnixMilli(options.start))
	channel := transport.NewLoopback(transport.LoopbackOptions{
		Clock:          fake,
		ConnectDelay:   -1,
		AckDelay:       options.ackDelay,
		DisableAutoAck: options.noAck,
	})
	if !options.offline {
		channel.Connect()
	}
	store := options.store
	if store == nil {
		store = newMemStore()
	}

	maxRetries := DefaultMaxRetries
	if options.maxRetries != nil {
		maxRetries = *options.maxRetries
	}

	coordinator, err := New(Options{
		Self:       self,
		Store:      store,
		Channel:    channel,
		Seen:       store,
		Clock:      fake,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)

	return &harness{clock: fake, channel: channel, store: store, coordinator: coordinator}
}

func (h *harness) status(t *testing.T, id string) models.MessageStatus {
	t.Helper()
	message, ok := h.coordinator.Get(id)
	require.True(t, ok, "message %q not in projection", id)
	return message.Status
}
