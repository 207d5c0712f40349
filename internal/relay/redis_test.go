package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
)

type busSource struct {
	bus    *chat.EventBus
	buffer int
}

func (s busSource) Subscribe() *chat.Subscription { return s.bus.Subscribe(s.buffer) }
func (s busSource) Done() <-chan struct{}         { return s.bus.Done() }

func TestForwardCopiesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := chat.NewEventBus(zerolog.Nop())
	feed := chat.NewEventBus(zerolog.Nop())
	go core.Run(ctx)
	go feed.Run(ctx)

	out := feed.Subscribe(8)
	defer out.Close()
	go Forward(busSource{bus: core, buffer: 8}, feed)
	time.Sleep(20 * time.Millisecond)

	core.Publish(chat.Event{Type: chat.EventMessageDeleted, RoomID: "chat_job_1", MessageID: "m1"})
	core.Publish(chat.Event{Type: chat.EventConnected})

	for _, want := range []chat.EventType{chat.EventMessageDeleted, chat.EventConnected} {
		select {
		case e := <-out.C:
			if e.Type != want {
				t.Fatalf("got %s, want %s", e.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

type slowPublisher struct {
	mu    sync.Mutex
	delay time.Duration
	ids   []string
}

func (p *slowPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	time.Sleep(p.delay)
	var env envelope
	if err := json.Unmarshal(message.([]byte), &env); err != nil {
		return redis.NewIntResult(0, err)
	}
	p.mu.Lock()
	p.ids = append(p.ids, env.Event.MessageID)
	p.mu.Unlock()
	return redis.NewIntResult(1, nil)
}

func (p *slowPublisher) saw(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.ids {
		if got == id {
			return true
		}
	}
	return false
}

func TestPublishKeepsUpWithBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	core := chat.NewEventBus(zerolog.Nop())
	go core.Run(ctx)

	pub := &slowPublisher{delay: 5 * time.Millisecond}
	r := &Redis{pub: pub, channel: "chat-events", origin: "test", queueSize: 1024, logger: zerolog.Nop()}
	done := make(chan struct{})
	go func() {
		r.Publish(context.Background(), busSource{bus: core, buffer: 16})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 60; i++ {
		core.Publish(chat.Event{Type: chat.EventMessageDeleted, MessageID: fmt.Sprintf("burst_%d", i)})
	}
	time.Sleep(50 * time.Millisecond)
	core.Publish(chat.Event{Type: chat.EventMessageDeleted, MessageID: "late"})

	deadline := time.Now().Add(3 * time.Second)
	for !pub.saw("late") {
		if time.Now().After(deadline) {
			t.Fatal("late event never reached redis")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop with the bus")
	}
}

func TestEnvelopeRoundTripsMessage(t *testing.T) {
	in := envelope{Origin: "a", Event: chat.Event{
		Type:   chat.EventMessageSent,
		RoomID: "chat_job_1",
		Message: &chat.Message{
			ID:       "m1",
			Type:     chat.TypeFile,
			Metadata: chat.FileMetadata{URL: "/uploads/x.pdf", Name: "x.pdf", Size: 3},
		},
	}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	md, ok := out.Event.Message.Metadata.(chat.FileMetadata)
	if !ok || md.Name != "x.pdf" || out.Origin != "a" {
		t.Fatalf("envelope = %+v", out)
	}
}
