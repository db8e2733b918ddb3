package storage

import (
	"context"
	"testing"

	"chatline/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store := New(t.TempDir(), Options{})
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testMessage(id, roomID string, timestamp int64) models.Message {
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		Text:      "hello " + id,
		Sender:    models.User{ID: "user-1", Name: "Ada"},
		Timestamp: timestamp,
		Kind:      models.KindText,
		Status:    models.StatusSending,
	}
}
