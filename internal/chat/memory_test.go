package chat

import (
	"context"
	"errors"
	"testing"
)

func TestMemorySetStatusGuardsTransitions(t *testing.T) {
	repo := NewMemoryMessageRepository()
	ctx := context.Background()
	repo.Append(ctx, "chat_job_1", Message{ID: "m1", Status: StatusSending})

	prev, err := repo.SetStatus(ctx, "chat_job_1", "m1", StatusDelivered)
	if err != nil || prev.Status != StatusSending {
		t.Fatalf("sending -> delivered: %v, prev %s", err, prev.Status)
	}
	if _, err := repo.SetStatus(ctx, "chat_job_1", "m1", StatusSent); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("delivered -> sent: %v", err)
	}
	if _, err := repo.SetStatus(ctx, "chat_job_1", "m1", StatusRead); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SetStatus(ctx, "chat_job_1", "m1", StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("read -> failed: %v", err)
	}
	if _, err := repo.SetStatus(ctx, "chat_job_2", "m1", StatusRead); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("wrong room: %v", err)
	}
}

func TestMemoryRoomInsertKeepsFirst(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, created, _ := repo.Insert(ctx, ChatRoom{ID: "chat_j", JobTitle: "first"})
	if !created {
		t.Fatal("first insert not created")
	}
	stored, created, _ := repo.Insert(ctx, ChatRoom{ID: "chat_j", JobTitle: "second"})
	if created || stored.JobTitle != "first" {
		t.Fatalf("second insert = %+v, created %v", stored, created)
	}

	// Returned rooms are copies.
	stored.Unread["x"] = 9
	again, _ := repo.Get(ctx, "chat_j")
	if again.Unread["x"] != 0 {
		t.Fatal("caller mutated the stored room")
	}
}
