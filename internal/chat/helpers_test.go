package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

// fakeTransport is a scriptable Transport for the core's tests.
type fakeTransport struct {
	mu             sync.Mutex
	sentDelay      time.Duration
	deliveredDelay time.Duration
	handshakeErr   error
	handshakeDelay time.Duration
	handshakes     int
	failContent    string // transmit fails for content containing this
	hang           bool   // AwaitDelivery never completes on its own
	open           bool
	onDrop         func(error)
}

func (f *fakeTransport) Handshake(ctx context.Context) error {
	f.mu.Lock()
	f.handshakes++
	delay := f.handshakeDelay
	f.mu.Unlock()

	if err := pause(ctx, delay); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handshakeErr != nil {
		return f.handshakeErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Transmit(ctx context.Context, roomID string, m Message) error {
	f.mu.Lock()
	delay, fail := f.sentDelay, f.failContent
	f.mu.Unlock()

	if err := pause(ctx, delay); err != nil {
		return err
	}
	if fail != "" && strings.Contains(m.Content, fail) {
		return errBoom
	}
	return nil
}

func (f *fakeTransport) AwaitDelivery(ctx context.Context, roomID, messageID string) error {
	f.mu.Lock()
	delay, hang := f.deliveredDelay, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return pause(ctx, delay)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) NotifyDrop(fn func(error)) {
	f.mu.Lock()
	f.onDrop = fn
	f.mu.Unlock()
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	fn := f.onDrop
	f.open = false
	f.mu.Unlock()
	fn(err)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeTransport) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) handshakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeUploader struct {
	err   error
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, data []byte, name string) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.test/" + name, nil
}

type testEnv struct {
	svc *Service
	tr  *fakeTransport
	up  *fakeUploader
}

func newEnv(t *testing.T, tune func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.TypingTTL = 100 * time.Millisecond
	cfg.SendTimeout = 2 * time.Second
	if tune != nil {
		tune(&cfg)
	}

	env := &testEnv{
		tr: &fakeTransport{sentDelay: 5 * time.Millisecond, deliveredDelay: 5 * time.Millisecond},
		up: &fakeUploader{},
	}
	env.svc = NewService(cfg, Deps{Transport: env.tr, Uploader: env.up, Logger: zerolog.Nop()})
	env.svc.Start(context.Background())
	t.Cleanup(env.svc.Close)
	return env
}

func (env *testEnv) connect(t *testing.T) {
	t.Helper()
	if err := env.svc.Connection.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

var (
	alice = Sender{ID: "client_1", Name: "Alice", Type: SenderClient}
	omar  = Sender{ID: "eng_1", Name: "Omar", Type: SenderEngineer}
)

func (env *testEnv) room(t *testing.T, jobID string) ChatRoom {
	t.Helper()
	room, err := env.svc.Rooms.CreateRoom(context.Background(), NewRoom{
		JobID:        jobID,
		JobTitle:     "HVAC inspection",
		ClientID:     alice.ID,
		ClientName:   alice.Name,
		EngineerID:   omar.ID,
		EngineerName: omar.Name,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func (env *testEnv) send(t *testing.T, roomID string, from Sender, content string) Message {
	t.Helper()
	m, err := env.svc.Dispatcher.Send(context.Background(), SendRequest{RoomID: roomID, Sender: from, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return m
}

func (env *testEnv) message(t *testing.T, roomID, id string) Message {
	t.Helper()
	m, err := env.svc.Messages.Get(context.Background(), roomID, id)
	if err != nil {
		t.Fatalf("get message %s: %v", id, err)
	}
	return m
}

func (env *testEnv) unread(t *testing.T, roomID, viewer string) uint {
	t.Helper()
	room, err := env.svc.Rooms.Get(context.Background(), roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return room.UnreadCount(viewer)
}

// checkUnread asserts the unread tally of every participant matches the log.
func (env *testEnv) checkUnread(t *testing.T, roomID string) {
	t.Helper()
	// Hold the room lock so no round trip changes the log between reads.
	unlock := env.svc.Dispatcher.locks.lock(roomID)
	defer unlock()

	msgs, err := env.svc.Messages.List(context.Background(), roomID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, viewer := range []string{alice.ID, omar.ID} {
		var want uint
		for _, m := range msgs {
			if m.SenderID != viewer && m.Status != StatusRead && m.Status != StatusFailed {
				want++
			}
		}
		if got := env.unread(t, roomID, viewer); got != want {
			t.Fatalf("unread for %s = %d, log says %d", viewer, got, want)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextEvent returns the next event of type want, skipping others.
func nextEvent(t *testing.T, sub *Subscription, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// collect gathers every event that arrives within d.
func collect(sub *Subscription, d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			return out
		}
	}
}

func count(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
