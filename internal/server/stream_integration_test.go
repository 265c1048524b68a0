package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
)

func TestEventStreamDeliversNotificationsToConnectedUser(t *testing.T) {
	env := newTestEnvironment(t)

	senderToken, _ := env.login(t, "teacher@example.edu")
	readerToken, readerID := env.login(t, "student@example.edu")

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/events/stream?access_token="+readerToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	reader := newFrameReader(streamResp.Body)

	// The connection handshake pushes the unread backlog first.
	event, data := reader.next(t)
	if event != realtime.EventUnreadCount {
		t.Fatalf("first event = %q, want %q", event, realtime.EventUnreadCount)
	}
	var counter struct {
		Unread int64 `json:"unread"`
	}
	if err := json.Unmarshal([]byte(data), &counter); err != nil {
		t.Fatalf("failed to decode unread payload: %v", err)
	}
	if counter.Unread != 0 {
		t.Fatalf("initial unread = %d, want 0", counter.Unread)
	}

	// The handshake also registers the reader as online.
	if _, online := env.registry.Lookup(readerID); !online {
		t.Fatalf("reader %q should be online after stream connect", readerID)
	}

	status, body := env.postJSON(t, senderToken, "/notifications", map[string]any{
		"recipient_id": readerID,
		"type":         "direct_message",
		"title":        "Quiz tomorrow",
		"message":      "Chapters 3 and 4.",
	})
	if status != http.StatusCreated {
		t.Fatalf("create notification returned status %d: %s", status, body)
	}

	event, data = reader.next(t)
	if event != realtime.EventNotification {
		t.Fatalf("second event = %q, want %q", event, realtime.EventNotification)
	}
	var pushed struct {
		Title       string `json:"title"`
		RecipientID string `json:"recipient_id"`
	}
	if err := json.Unmarshal([]byte(data), &pushed); err != nil {
		t.Fatalf("failed to decode notification payload: %v", err)
	}
	if pushed.Title != "Quiz tomorrow" || pushed.RecipientID != readerID {
		t.Fatalf("unexpected notification payload: %s", data)
	}

	event, data = reader.next(t)
	if event != realtime.EventUnreadCount {
		t.Fatalf("third event = %q, want %q", event, realtime.EventUnreadCount)
	}
	if err := json.Unmarshal([]byte(data), &counter); err != nil {
		t.Fatalf("failed to decode unread payload: %v", err)
	}
	if counter.Unread != 1 {
		t.Fatalf("unread after delivery = %d, want 1", counter.Unread)
	}
}

func TestEventStreamPushesPendingUnreadCountOnConnect(t *testing.T) {
	env := newTestEnvironment(t)

	senderToken, _ := env.login(t, "teacher@example.edu")
	readerToken, readerID := env.login(t, "student@example.edu")

	// Delivered while the reader is offline: persisted, no push.
	status, body := env.postJSON(t, senderToken, "/notifications", map[string]any{
		"recipient_id": readerID,
		"type":         "announcement",
		"title":        "Welcome",
		"message":      "Course site is live.",
	})
	if status != http.StatusCreated {
		t.Fatalf("create notification returned status %d: %s", status, body)
	}

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/events/stream?access_token="+readerToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	event, data := newFrameReader(streamResp.Body).next(t)
	if event != realtime.EventUnreadCount {
		t.Fatalf("first event = %q, want %q", event, realtime.EventUnreadCount)
	}
	var counter struct {
		Unread int64 `json:"unread"`
	}
	if err := json.Unmarshal([]byte(data), &counter); err != nil {
		t.Fatalf("failed to decode unread payload: %v", err)
	}
	if counter.Unread != 1 {
		t.Fatalf("pending unread on connect = %d, want 1", counter.Unread)
	}
}

func TestEventStreamRejectsMissingToken(t *testing.T) {
	env := newTestEnvironment(t)

	status, _ := env.getJSON(t, "", "/events/stream")
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stream returned status %d, want %d", status, http.StatusUnauthorized)
	}
}

// frameReader parses server-sent-event frames off the wire, skipping comments
// and blank keep-alive lines.
type frameReader struct {
	reader *bufio.Reader
}

func newFrameReader(body interface{ Read([]byte) (int, error) }) *frameReader {
	return &frameReader{reader: bufio.NewReader(body)}
}

func (f *frameReader) next(t *testing.T) (string, string) {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	deadline := time.After(5 * time.Second)
	currentEvent := ""
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := f.reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
			return "", ""
		case result := <-resultCh:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			switch {
			case line == "" || strings.HasPrefix(line, ":"):
				continue
			case strings.HasPrefix(line, "event:"):
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				return currentEvent, strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}
