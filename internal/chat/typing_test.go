package chat

import (
	"testing"
	"time"
)

func TestTypingExpires(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.TypingTTL = 50 * time.Millisecond })
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.svc.Typing.SetTyping("chat_job_1", alice.ID, alice.Name, true)
	if got := env.svc.Typing.ListTyping("chat_job_1"); len(got) != 1 || got[0].UserID != alice.ID {
		t.Fatalf("typing = %+v", got)
	}
	if e := nextEvent(t, sub, EventTypingIndicator); !e.Typing.IsTyping {
		t.Fatalf("first indicator = %+v", e.Typing)
	}

	e := nextEvent(t, sub, EventTypingIndicator)
	if e.Typing.IsTyping || e.Typing.UserID != alice.ID || e.RoomID != "chat_job_1" {
		t.Fatalf("expiry indicator = %+v", e.Typing)
	}
	if got := env.svc.Typing.ListTyping("chat_job_1"); len(got) != 0 {
		t.Fatalf("typing after ttl = %+v", got)
	}
}

func TestTypingTimerResetsOnRepeat(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.TypingTTL = 200 * time.Millisecond })

	env.svc.Typing.SetTyping("chat_job_1", alice.ID, alice.Name, true)
	time.Sleep(120 * time.Millisecond)
	env.svc.Typing.SetTyping("chat_job_1", alice.ID, alice.Name, true)
	time.Sleep(120 * time.Millisecond)

	if got := env.svc.Typing.ListTyping("chat_job_1"); len(got) != 1 {
		t.Fatalf("indicator cleared before the reset ttl ran out: %+v", got)
	}
	eventually(t, "indicator expiry", func() bool {
		return len(env.svc.Typing.ListTyping("chat_job_1")) == 0
	})
}

func TestTypingFalseClearsAtOnce(t *testing.T) {
	env := newEnv(t, nil)
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.svc.Typing.SetTyping("chat_job_1", alice.ID, alice.Name, true)
	env.svc.Typing.SetTyping("chat_job_1", omar.ID, omar.Name, true)
	env.svc.Typing.SetTyping("chat_job_1", alice.ID, alice.Name, false)

	got := env.svc.Typing.ListTyping("chat_job_1")
	if len(got) != 1 || got[0].UserID != omar.ID {
		t.Fatalf("typing = %+v", got)
	}
	if other := env.svc.Typing.ListTyping("chat_job_2"); len(other) != 0 {
		t.Fatalf("other room typing = %+v", other)
	}

	// Alice's cancelled timer must not publish a second false.
	events := collect(sub, 250*time.Millisecond)
	falses := 0
	for _, e := range events {
		if e.Type == EventTypingIndicator && e.Typing.UserID == alice.ID && !e.Typing.IsTyping {
			falses++
		}
	}
	if falses != 1 {
		t.Fatalf("alice stopped typing %d times", falses)
	}
}
