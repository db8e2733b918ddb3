package storage

import (
	"context"
	"errors"
	"testing"

	"chatline/models"
)

func TestAddRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Add(ctx, testMessage("msg-1", "room-1", 1000)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	err := store.Add(ctx, testMessage("msg-1", "room-1", 2000))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestUpdateUpsertsByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message := testMessage("msg-1", "room-1", 1000)
	if err := store.Update(ctx, message); err != nil {
		t.Fatalf("Update as insert failed: %v", err)
	}

	message.Status = models.StatusFailed
	message.RetryCount = 2
	if err := store.Update(ctx, message); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.RetryCount != 2 {
		t.Fatalf("unexpected stored message: status=%q retry=%d", got.Status, got.RetryCount)
	}
}

func TestListByRoomOrdersAscendingAndKeepsDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	deleted := testMessage("msg-late", "room-1", 3000)
	deleted.Status = models.StatusDeleted
	for _, message := range []models.Message{
		deleted,
		testMessage("msg-early", "room-1", 1000),
		testMessage("msg-mid", "room-1", 2000),
		testMessage("msg-other", "room-2", 1500),
	} {
		if err := store.Add(ctx, message); err != nil {
			t.Fatalf("Add %q failed: %v", message.ID, err)
		}
	}

	messages, err := store.ListByRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("ListByRoom failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	want := []string{"msg-early", "msg-mid", "msg-late"}
	for i, id := range want {
		if messages[i].ID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, messages[i].ID)
		}
	}
	if !messages[2].IsDeleted() {
		t.Fatalf("expected soft-deleted message to be returned with deleted status")
	}
}

func TestFileMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message := testMessage("msg-file", "room-1", 1000)
	message.Kind = models.KindFile
	message.Text = "a.txt"
	message.Metadata = map[string]any{
		models.MetaMimeType: "text/plain",
		models.MetaSize:     5,
		models.MetaData:     "data:text/plain;base64,aGVsbG8=",
	}
	if err := store.Add(ctx, message); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := store.GetMessage(ctx, "msg-file")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Kind != models.KindFile {
		t.Fatalf("expected file kind, got %q", got.Kind)
	}
	if got.Metadata[models.MetaMimeType] != "text/plain" {
		t.Fatalf("unexpected mime type: %v", got.Metadata[models.MetaMimeType])
	}
	if size, ok := got.Metadata[models.MetaSize].(float64); !ok || size != 5 {
		t.Fatalf("unexpected size: %#v", got.Metadata[models.MetaSize])
	}
}

func TestGetMessageNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMessage(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sent := testMessage("msg-sent", "room-1", 1000)
	sent.Status = models.StatusSent
	for _, message := range []models.Message{
		testMessage("msg-a", "room-1", 2000),
		sent,
		testMessage("msg-b", "room-2", 1500),
	} {
		if err := store.Add(ctx, message); err != nil {
			t.Fatalf("Add %q failed: %v", message.ID, err)
		}
	}

	sending, err := store.ListByStatus(ctx, models.StatusSending)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(sending) != 2 || sending[0].ID != "msg-b" || sending[1].ID != "msg-a" {
		t.Fatalf("unexpected sending messages: %+v", sending)
	}
}

func TestAddValidatesMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	invalid := testMessage("msg-1", "", 1000)
	if err := store.Add(ctx, invalid); err == nil {
		t.Fatalf("expected missing room id to fail")
	}
	invalid = testMessage("msg-1", "room-1", 1000)
	invalid.Status = "bogus"
	if err := store.Add(ctx, invalid); err == nil {
		t.Fatalf("expected invalid status to fail")
	}
}
