package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/db"
	"courier/internal/events"
	"courier/internal/models"
	"courier/internal/registry"
	"courier/internal/store"
	"courier/internal/supervisor"
	"courier/internal/transport"
)

// fakeTransport simulates servers: each topic gets an injectable message
// feed, and topics can be scripted to hang or reject credentials.
type fakeTransport struct {
	mu        sync.Mutex
	feeds     map[string]chan models.Message
	authFail  map[string]bool
	hang      map[string]bool
	dials     map[string]int
	lastSince map[string]int64
	pubs      []models.Outgoing
	pubErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		feeds:     make(map[string]chan models.Message),
		authFail:  make(map[string]bool),
		hang:      make(map[string]bool),
		dials:     make(map[string]int),
		lastSince: make(map[string]int64),
	}
}

func (f *fakeTransport) feed(topic string) chan models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feeds[topic]; !ok {
		f.feeds[topic] = make(chan models.Message, 16)
	}
	return f.feeds[topic]
}

func (f *fakeTransport) dialCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[topic]
}

func (f *fakeTransport) Stream(ctx context.Context, _ models.Server, topic string, since int64, h transport.Handler) error {
	f.mu.Lock()
	f.dials[topic]++
	f.lastSince[topic] = since
	authFail := f.authFail[topic]
	hang := f.hang[topic]
	f.mu.Unlock()

	if authFail {
		return &transport.ConnError{Kind: transport.KindAuth, Op: "server response", Err: errors.New("401")}
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	ch := f.feed(topic)
	h(transport.Frame{Kind: transport.FrameOpen})
	for {
		select {
		case m := <-ch:
			h(transport.Frame{Kind: transport.FrameMessage, Message: m})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *fakeTransport) Publish(_ context.Context, _ models.Server, _ string, out models.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, out)
	return f.pubErr
}

func (f *fakeTransport) CheckAuth(_ context.Context, _ models.Server, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authFail[topic] {
		return &transport.ConnError{Kind: transport.KindAuth, Op: "probe", Err: errors.New("401")}
	}
	return nil
}

func setupCore(t *testing.T) (*Core, *fakeTransport, *events.Bus, *registry.Registry, *store.Store) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := registry.New(d, zerolog.Nop())
	st := store.New(d, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	ft := newFakeTransport()

	cfg := Config{Supervisor: supervisor.Config{
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		StopTimeout: time.Second,
	}}
	core := New(zerolog.Nop(), reg, st, bus, ft, cfg)
	return core, ft, bus, reg, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testServer() models.Server {
	return models.Server{BaseURL: "https://ntfy.example"}
}

func TestMessageStoredAndEmittedExactlyOnce(t *testing.T) {
	core, ft, bus, _, _ := setupCore(t)
	out := bus.Subscribe(64)
	defer bus.Unsubscribe(out)

	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "supervisor dial", func() bool { return ft.dialCount("alerts") > 0 })

	msg := models.Message{ID: "42", Time: 102, Event: "message", Topic: "alerts", Title: "Disk full"}
	ft.feed("alerts") <- msg
	ft.feed("alerts") <- msg // reconnect replay duplicate
	ft.feed("alerts") <- msg

	// Exactly one MessageAccepted reaches the outward stream.
	var accepted int
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case e := <-out.Events():
			if e.Kind == events.MessageAccepted {
				accepted++
				if e.Message.ID != "42" || e.Message.Title != "Disk full" {
					t.Errorf("wrong message emitted: %+v", e.Message)
				}
				if e.Subscription == nil || e.Subscription.ID != sub.ID {
					t.Error("accepted event missing subscription snapshot")
				}
			}
		case <-deadline:
			break loop
		}
	}
	if accepted != 1 {
		t.Errorf("expected exactly 1 accepted event, got %d", accepted)
	}

	hist, err := core.History(sub.ID, store.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != "42" {
		t.Errorf("expected history [42], got %+v", hist)
	}

	// Cursor advanced to the accepted message's time.
	got, _ := core.Subscriptions()
	if got[0].Cursor != 102 {
		t.Errorf("expected cursor 102, got %d", got[0].Cursor)
	}
}

func TestStoreErrorDoesNotAdvanceCursorOrForward(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := registry.New(d, zerolog.Nop())
	st := store.New(d, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	ft := newFakeTransport()
	core := New(zerolog.Nop(), reg, st, bus, ft, Config{Supervisor: supervisor.Config{
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		StopTimeout: time.Second,
	}})

	out := bus.Subscribe(64)
	defer bus.Unsubscribe(out)

	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dial", func() bool { return ft.dialCount("alerts") > 0 })

	// Break the append path under a live supervisor: with the row gone,
	// the messages foreign key rejects the insert. The registry is
	// bypassed on purpose so no change event tears the supervisor down.
	if _, err := d.Exec(`DELETE FROM subscriptions WHERE id = ?`, sub.ID); err != nil {
		t.Fatal(err)
	}

	ft.feed("alerts") <- models.Message{ID: "x", Time: 999, Topic: "alerts", Body: "lost write"}
	time.Sleep(150 * time.Millisecond)

drain:
	for {
		select {
		case e := <-out.Events():
			if e.Kind == events.MessageAccepted {
				t.Fatalf("message forwarded despite store failure: %+v", e.Message)
			}
		default:
			break drain
		}
	}

	core.mu.Lock()
	sup := core.sups[sub.ID]
	core.mu.Unlock()
	if sup == nil {
		t.Fatal("supervisor should still be live")
	}
	if got := sup.Cursor(); got != 0 {
		t.Errorf("cursor advanced to %d on store failure", got)
	}

	hist, err := st.History(sub.ID, store.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Errorf("expected nothing stored, got %d messages", len(hist))
	}
}

func TestReconcileConvergesToRegistry(t *testing.T) {
	core, ft, _, _, st := setupCore(t)
	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "activation", func() bool {
		_, ok := core.States()[sub.ID]
		return ok && ft.dialCount("alerts") > 0
	})

	ft.feed("alerts") <- models.Message{ID: "1", Time: 10, Topic: "alerts"}
	waitFor(t, "message stored", func() bool {
		hist, _ := st.History(sub.ID, store.HistoryQuery{})
		return len(hist) == 1
	})

	if err := core.Unsubscribe(sub.ID, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deactivation", func() bool {
		_, ok := core.States()[sub.ID]
		return !ok
	})
	waitFor(t, "purge", func() bool {
		hist, _ := st.History(sub.ID, store.HistoryQuery{})
		return len(hist) == 0
	})

	// Second unsubscribe reports not-found; callers treat it as done.
	if err := core.Unsubscribe(sub.ID, false); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthFailureParksUntilCredentialUpdate(t *testing.T) {
	core, ft, _, _, _ := setupCore(t)
	ft.mu.Lock()
	ft.authFail["private"] = true
	ft.mu.Unlock()

	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "private", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "auth_error state", func() bool {
		return core.States()[sub.ID].Phase == models.PhaseAuthError
	})

	// No retry loop against a server that will never accept us.
	time.Sleep(100 * time.Millisecond)
	if n := ft.dialCount("private"); n != 1 {
		t.Errorf("expected exactly 1 dial while parked, got %d", n)
	}

	// Rotating to credentials the server still rejects changes nothing.
	if err := core.UpdateServerCredentials(context.Background(), sub.ServerID, models.Credentials{Token: "bad"}, false); !transport.IsAuth(err) {
		t.Errorf("expected auth error from probe, got %v", err)
	}
	if n := ft.dialCount("private"); n != 1 {
		t.Errorf("rejected probe must not restart the supervisor, got %d dials", n)
	}

	// A credential update that passes the probe reactivates the stream.
	ft.mu.Lock()
	ft.authFail["private"] = false
	ft.mu.Unlock()
	if err := core.UpdateServerCredentials(context.Background(), sub.ServerID, models.Credentials{Token: "tk"}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reactivation", func() bool {
		return ft.dialCount("private") >= 2 && core.States()[sub.ID].Phase == models.PhaseStreaming
	})
}

func TestHungSubscriptionDoesNotDelayOthers(t *testing.T) {
	core, ft, bus, _, _ := setupCore(t)
	ft.mu.Lock()
	ft.hang["stuck"] = true
	ft.mu.Unlock()

	out := bus.Subscribe(64)
	defer bus.Unsubscribe(out)

	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	if _, err := core.Subscribe(testServer(), "stuck", models.Prefs{}); err != nil {
		t.Fatal(err)
	}
	live, err := core.Subscribe(testServer(), "live", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both dialed", func() bool {
		return ft.dialCount("stuck") > 0 && ft.dialCount("live") > 0
	})

	ft.feed("live") <- models.Message{ID: "7", Time: 50, Topic: "live"}

	waitFor(t, "live message forwarded", func() bool {
		select {
		case e := <-out.Events():
			return e.Kind == events.MessageAccepted && e.Subscription.ID == live.ID
		default:
			return false
		}
	})
}

func TestCursorSeededFromStoreOnStartup(t *testing.T) {
	core, ft, _, reg, st := setupCore(t)

	// Simulate a previous run: registered subscription with history.
	sub, err := reg.Add(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}
	<-reg.Changes() // discard the pre-start change
	if _, err := st.Append(models.Message{SubscriptionID: sub.ID, ID: "a", Time: 500}); err != nil {
		t.Fatal(err)
	}

	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	waitFor(t, "dial with seeded cursor", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.dials["alerts"] > 0 && ft.lastSince["alerts"] == 500
	})
}

func TestPublishDelegatesAndReportsFailure(t *testing.T) {
	core, ft, _, _, _ := setupCore(t)
	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}

	if err := core.PublishMessage(context.Background(), sub.ID, models.Outgoing{Body: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ft.mu.Lock()
	if len(ft.pubs) != 1 || ft.pubs[0].Body != "hi" {
		t.Errorf("publish not delegated: %+v", ft.pubs)
	}
	ft.pubErr = fmt.Errorf("server said no")
	ft.mu.Unlock()

	if err := core.PublishMessage(context.Background(), sub.ID, models.Outgoing{Body: "again"}); err == nil {
		t.Error("expected publish failure to surface")
	}

	if err := core.PublishMessage(context.Background(), "nope", models.Outgoing{}); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadIsIndependentOfCursor(t *testing.T) {
	core, ft, _, _, _ := setupCore(t)
	if err := core.Start(); err != nil {
		t.Fatal(err)
	}
	defer core.Stop()

	sub, err := core.Subscribe(testServer(), "alerts", models.Prefs{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dial", func() bool { return ft.dialCount("alerts") > 0 })

	ft.feed("alerts") <- models.Message{ID: "a", Time: 100, Topic: "alerts"}
	ft.feed("alerts") <- models.Message{ID: "b", Time: 200, Topic: "alerts"}
	waitFor(t, "ingest", func() bool {
		n, _ := core.UnreadCount(sub.ID)
		return n == 2
	})

	if _, err := core.MarkRead(sub.ID, 100); err != nil {
		t.Fatal(err)
	}
	n, err := core.UnreadCount(sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 unread, got %d", n)
	}

	// The replay cursor is untouched by mark-read.
	subs, _ := core.Subscriptions()
	if subs[0].Cursor != 200 {
		t.Errorf("cursor changed by mark-read: %d", subs[0].Cursor)
	}
	if subs[0].ReadMarker != 100 {
		t.Errorf("expected read marker 100, got %d", subs[0].ReadMarker)
	}
}
