package chat

import (
	"context"
	"testing"
)

func TestDeleteAdjustsRoom(t *testing.T) {
	env := newEnv(t, nil)
	env.connect(t)
	room := env.room(t, "job_1")
	ctx := context.Background()

	first := env.send(t, room.ID, omar, "site visit at 9")
	last := env.send(t, room.ID, omar, "bring the permit")
	env.svc.Dispatcher.Wait()

	if got := env.unread(t, room.ID, alice.ID); got != 2 {
		t.Fatalf("unread before delete = %d", got)
	}

	sub := env.svc.Subscribe()
	defer sub.Close()

	ok, err := env.svc.Messages.Delete(ctx, room.ID, last.ID)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if e := nextEvent(t, sub, EventMessageDeleted); e.MessageID != last.ID || e.RoomID != room.ID {
		t.Fatalf("deleted event = %+v", e)
	}

	after, _ := env.svc.Rooms.Get(ctx, room.ID)
	if after.UnreadCount(alice.ID) != 1 {
		t.Fatalf("unread after delete = %d", after.UnreadCount(alice.ID))
	}
	if after.LastMessageID != first.ID {
		t.Fatalf("last message = %s, want %s", after.LastMessageID, first.ID)
	}
	env.checkUnread(t, room.ID)

	ok, err = env.svc.Messages.Delete(ctx, room.ID, last.ID)
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
	msgs, _ := env.svc.Messages.List(ctx, room.ID)
	if len(msgs) != 1 || msgs[0].ID != first.ID {
		t.Fatalf("log after delete = %+v", msgs)
	}
}

func TestDeleteReadMessageKeepsUnread(t *testing.T) {
	env := newEnv(t, nil)
	env.connect(t)
	room := env.room(t, "job_1")
	ctx := context.Background()

	old := env.send(t, room.ID, omar, "quote attached")
	env.svc.Dispatcher.Wait()
	if err := env.svc.Dispatcher.MarkRead(ctx, room.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	env.send(t, room.ID, omar, "any questions?")
	env.svc.Dispatcher.Wait()

	if _, err := env.svc.Messages.Delete(ctx, room.ID, old.ID); err != nil {
		t.Fatal(err)
	}
	if got := env.unread(t, room.ID, alice.ID); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	env.checkUnread(t, room.ID)
}

func TestSearch(t *testing.T) {
	env := newEnv(t, nil)
	env.connect(t)
	one := env.room(t, "job_1")
	two := env.room(t, "job_2")
	ctx := context.Background()

	a := env.send(t, one.ID, alice, "Pump PRESSURE is low")
	env.send(t, one.ID, omar, "checking the valves")
	b := env.send(t, two.ID, omar, "pressure test passed")
	c := env.send(t, one.ID, omar, "pressure fixed")
	env.svc.Dispatcher.Wait()

	got, err := env.svc.Messages.Search(ctx, "Pressure", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{c.ID, b.ID, a.ID}
	if len(got) != len(want) {
		t.Fatalf("found %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("result %d = %q, want %s", i, got[i].Content, id)
		}
	}

	scoped, _ := env.svc.Messages.Search(ctx, "pressure", one.ID)
	if len(scoped) != 2 || scoped[0].ID != c.ID {
		t.Fatalf("room search = %+v", scoped)
	}

	blank, err := env.svc.Messages.Search(ctx, "   ", "")
	if err != nil || blank == nil || len(blank) != 0 {
		t.Fatalf("blank search = %v, %v", blank, err)
	}
	none, _ := env.svc.Messages.Search(ctx, "boiler", "")
	if none == nil || len(none) != 0 {
		t.Fatalf("no-match search = %v", none)
	}
}
