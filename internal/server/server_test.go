package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sevir/ramal/internal/cli"
	"github.com/sevir/ramal/internal/queue"
	"github.com/sevir/ramal/pkg/models"
)

func setupTestServer(t *testing.T, script string) (*Server, *queue.Manager) {
	t.Helper()

	m, err := queue.New(queue.Config{
		Agent:    cli.Command{Path: "sh", Args: []string{"-c", script}},
		Registry: cli.NewRegistry(nil),
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })

	return New(Config{Addr: "127.0.0.1:0", Manager: m, Version: "test"}), m
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, "true")

	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if decode(t, w)["status"] != "healthy" {
		t.Errorf("Unexpected health body: %s", w.Body.String())
	}
}

func TestRootEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, "true")

	w := doJSON(t, srv.Handler(), http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["service"] != "ramal" || body["version"] != "test" {
		t.Errorf("Unexpected root body: %s", w.Body.String())
	}
}

func TestEnqueueMessage(t *testing.T) {
	srv, _ := setupTestServer(t, "cat >/dev/null; echo ok")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/messages", map[string]string{
		"conversation_id": "chat-http",
		"content":         "hello",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["node_id"] == "" || body["node_id"] == nil {
		t.Error("Expected node_id in response")
	}
	if body["conversation_id"] != "chat-http" {
		t.Errorf("Expected conversation echoed back, got %v", body["conversation_id"])
	}
}

func TestEnqueueUnknownReplyTarget(t *testing.T) {
	srv, _ := setupTestServer(t, "true")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/messages", map[string]string{
		"conversation_id": "chat-http",
		"reply_to":        "node-missing",
		"content":         "hello",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEnqueueMalformedBody(t *testing.T) {
	srv, _ := setupTestServer(t, "true")

	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestGetConversationAndNode(t *testing.T) {
	srv, m := setupTestServer(t, "cat >/dev/null; echo ok")

	nodeID, err := m.Enqueue(models.EnqueueRequest{ConversationID: "chat-get", Content: "hi"})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/conversations/chat-get", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/conversations/chat-get/nodes/"+nodeID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/conversations/chat-none", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown conversation, got %d", w.Code)
	}
}

func TestStopEndpoint(t *testing.T) {
	srv, m := setupTestServer(t, "sleep 30")

	t.Run("no live sessions", func(t *testing.T) {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/api/stop", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		body := decode(t, w)
		if body["status"] != "stopped" {
			t.Errorf("Expected status stopped, got %v", body["status"])
		}
		if body["cancelled_count"] != float64(0) {
			t.Errorf("Expected cancelled_count 0, got %v", body["cancelled_count"])
		}
	})

	t.Run("cancels a running session", func(t *testing.T) {
		if _, err := m.Enqueue(models.EnqueueRequest{ConversationID: "chat-stop", Content: "long"}); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for m.LiveSessions() != 1 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if m.LiveSessions() != 1 {
			t.Fatal("Timed out waiting for a live session")
		}

		w := doJSON(t, srv.Handler(), http.MethodPost, "/api/stop", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if decode(t, w)["cancelled_count"] != float64(1) {
			t.Errorf("Expected cancelled_count 1, got %s", w.Body.String())
		}
	})
}

func TestUninitializedManager(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Manager: nil, Version: "test"})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/messages"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodGet, "/api/conversations/x"},
		{http.MethodGet, "/api/conversations/x/nodes/y"},
		{http.MethodPost, "/api/stop"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			w := doJSON(t, srv.Handler(), p.method, p.path, map[string]string{})
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("Expected 503, got %d", w.Code)
			}
		})
	}
}
