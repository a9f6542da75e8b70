package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/models"
)

// frameCollector records frames delivered by Stream.
type frameCollector struct {
	mu     sync.Mutex
	frames []Frame
}

func (f *frameCollector) handle(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *frameCollector) messages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, fr := range f.frames {
		if fr.Kind == FrameMessage {
			out = append(out, fr.Message)
		}
	}
	return out
}

func TestStreamDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		lines := []string{
			`{"id":"op1","time":100,"event":"open","topic":"alerts"}`,
			`{"id":"ka1","time":101,"event":"keepalive","topic":"alerts"}`,
			`{"id":"42","time":102,"event":"message","topic":"alerts","title":"Disk full","message":"97% used","priority":4,"tags":["warning"]}`,
			`this is not json`,
			`{"id":"43","time":103,"event":"message","topic":"alerts","message":"second"}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var fc frameCollector
	client := NewClient(zerolog.Nop())
	err := client.Stream(context.Background(), models.Server{BaseURL: srv.URL}, "alerts", 0, fc.handle)

	// The server closes the stream, which is a transient failure.
	var ce *ConnError
	if !errors.As(err, &ce) || ce.Kind != KindNetwork {
		t.Fatalf("expected network ConnError on stream end, got %v", err)
	}

	msgs := fc.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "42" || msgs[0].Title != "Disk full" || msgs[0].Priority != 4 {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if len(msgs[0].Raw) == 0 {
		t.Error("raw frame not retained")
	}
	if msgs[1].ID != "43" {
		t.Errorf("expected message 43, got %s", msgs[1].ID)
	}
}

func TestStreamSkipsOversizedFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		lines := []string{
			`{"id":"op1","time":100,"event":"open","topic":"alerts"}`,
			`{"id":"1","time":101,"event":"message","topic":"alerts","message":"before"}`,
			`{"id":"huge","time":102,"event":"message","topic":"alerts","message":"` + strings.Repeat("x", maxFrameSize) + `"}`,
			`{"id":"2","time":103,"event":"message","topic":"alerts","message":"after"}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var fc frameCollector
	client := NewClient(zerolog.Nop())
	err := client.Stream(context.Background(), models.Server{BaseURL: srv.URL}, "alerts", 0, fc.handle)

	// The oversized frame is an item-level failure; only the stream end
	// terminates, as a transient network error.
	var ce *ConnError
	if !errors.As(err, &ce) || ce.Kind != KindNetwork {
		t.Fatalf("expected network ConnError on stream end, got %v", err)
	}

	msgs := fc.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages around the oversized frame, got %d", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("expected messages 1 and 2, got %s and %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestStreamPassesCursorAndAuth(t *testing.T) {
	var gotSince, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	server := models.Server{BaseURL: srv.URL, Username: "alice", Password: "s3cret"}
	client.Stream(context.Background(), server, "alerts", 1635528757, func(Frame) {})

	if gotSince != "1635528757" {
		t.Errorf("expected since=1635528757, got %q", gotSince)
	}
	if gotAuth == "" {
		t.Error("expected basic auth header")
	}
}

func TestStreamTokenAuthWins(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	server := models.Server{BaseURL: srv.URL, Username: "alice", Password: "x", Token: "tk_abc"}
	client.Stream(context.Background(), server, "alerts", 0, func(Frame) {})

	if gotAuth != "Bearer tk_abc" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestStreamAuthRejectionIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	err := client.Stream(context.Background(), models.Server{BaseURL: srv.URL}, "alerts", 0, func(Frame) {})

	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestStreamServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	err := client.Stream(context.Background(), models.Server{BaseURL: srv.URL}, "alerts", 0, func(Frame) {})

	if IsAuth(err) {
		t.Fatal("500 must not be classified as auth failure")
	}
	var ce *ConnError
	if !errors.As(err, &ce) || ce.Kind != KindNetwork {
		t.Fatalf("expected network ConnError, got %v", err)
	}
}

func TestStreamCancellationReleasesConnection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"op1","time":1,"event":"open","topic":"t"}` + "\n"))
		w.(http.Flusher).Flush()
		<-release // hold the stream open, send nothing
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		done <- client.Stream(ctx, models.Server{BaseURL: srv.URL}, "t", 0, func(Frame) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}

func TestPublishReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	err := client.Publish(context.Background(), models.Server{BaseURL: srv.URL}, "alerts",
		models.Outgoing{Body: "hello"})
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestPublishSendsTopicPayload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(zerolog.Nop())
	err := client.Publish(context.Background(), models.Server{BaseURL: srv.URL}, "alerts",
		models.Outgoing{Title: "hi", Body: "there", Priority: 5})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, want := range []string{`"topic":"alerts"`, `"title":"hi"`, `"message":"there"`, `"priority":5`} {
		if !strings.Contains(string(gotBody), want) {
			t.Errorf("payload missing %s: %s", want, gotBody)
		}
	}
}

func TestStreamURLEscapesTopic(t *testing.T) {
	u, err := StreamURL("https://ntfy.example/", "my topic", 42)
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ntfy.example/my%20topic/json?since=42"
	if u != want {
		t.Errorf("expected %s, got %s", want, u)
	}
}
