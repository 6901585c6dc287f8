package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/sessionchat/pkg/backend"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(&backend.Config{BaseURL: server.URL}, nil)
}

func TestFetchConversation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"nested", `{"conversation":{"conversation_history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}}`, 2},
		{"top level", `{"conversation_history":[{"role":"user","content":"hi"}]}`, 1},
		{"empty", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/conversations" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if got := r.URL.Query().Get("session_id"); got != "s-1" {
					t.Errorf("expected session_id 's-1', got %q", got)
				}
				io.WriteString(w, tt.body)
			})

			history, err := client.FetchConversation(context.Background(), "s-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(history.Messages) != tt.want {
				t.Errorf("expected %d messages, got %d", tt.want, len(history.Messages))
			}
			if history.Messages == nil {
				t.Error("expected non-nil message slice")
			}
		})
	}
}

func TestFetchConversationNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such conversation"}`, http.StatusNotFound)
	})

	_, err := client.FetchConversation(context.Background(), "missing")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchConversationMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>oops</html>")
	})

	_, err := client.FetchConversation(context.Background(), "s-1")
	var se *backend.SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if se.Reason != "malformed response" {
		t.Errorf("expected malformed response reason, got %q", se.Reason)
	}
}

func TestListConversations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"conversations":[{"id":"a","title":"First","timestamp":"2024-01-01T00:00:00Z"}]}`)
	})

	list, err := client.ListConversations(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Title != "First" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestCreateConversation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/new" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "New Conversation" {
			t.Errorf("expected title 'New Conversation', got %q", body["title"])
		}
		io.WriteString(w, `{"session_id":"srv-42"}`)
	})

	id, err := client.CreateConversation(context.Background(), "New Conversation")
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv-42" {
		t.Errorf("expected 'srv-42', got %q", id)
	}
}

func TestCreateConversationMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})

	if _, err := client.CreateConversation(context.Background(), "x"); err == nil {
		t.Fatal("expected error for missing session_id")
	}
}

func TestChatJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON body, got %q", r.Header.Get("Content-Type"))
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["message"] != "hello" || req["room"] != "s-1" || req["model"] != "gpt-4o-mini" {
			t.Errorf("unexpected request body: %v", req)
		}
		if req["temperature"] != 0.7 {
			t.Errorf("expected temperature 0.7, got %v", req["temperature"])
		}
		io.WriteString(w, `{"assistant_reply":"hi there","intent":{"internet_search":true}}`)
	})

	resp, err := client.Chat(context.Background(), backend.ChatRequest{
		Message:      "hello",
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
		Temperature:  0.7,
		Room:         "s-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AssistantReply != "hi there" || !resp.Intent.InternetSearch {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestChatMultipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("expected multipart body: %v", err)
		}
		if r.FormValue("message") != "see file" || r.FormValue("room") != "s-1" {
			t.Errorf("unexpected fields: %v", r.MultipartForm.Value)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "notes.txt" || string(data) != "contents" {
			t.Errorf("unexpected file %q: %q", header.Filename, data)
		}
		if ct := header.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("expected text/plain, got %q", ct)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"assistant_reply": "got it",
			"fileUrl":         "/uploads/notes.txt",
			"fileName":        "notes.txt",
			"fileType":        "text/plain",
		})
	})

	resp, err := client.Chat(context.Background(), backend.ChatRequest{
		Message: "see file",
		Room:    "s-1",
		Uploads: []backend.Upload{{Name: "notes.txt", MediaType: "text/plain", Data: []byte("contents")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	att, ok := resp.Attachment()
	if !ok || att.URL != "/uploads/notes.txt" {
		t.Errorf("expected echoed attachment, got %+v", resp)
	}
}

func TestChatServerError(t *testing.T) {
	t.Run("error status carries reason", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"model overloaded"}`)
		})

		_, err := client.Chat(context.Background(), backend.ChatRequest{Message: "x"})
		var se *backend.SyncError
		if !errors.As(err, &se) {
			t.Fatalf("expected SyncError, got %v", err)
		}
		if se.Status != http.StatusInternalServerError || se.Reason != "model overloaded" {
			t.Errorf("unexpected error: %+v", se)
		}
	})

	t.Run("success status with error field", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"error":"content filtered"}`)
		})

		resp, err := client.Chat(context.Background(), backend.ChatRequest{Message: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Error != "content filtered" {
			t.Errorf("expected error field, got %+v", resp)
		}
	})
}

func TestCookiesPersist(t *testing.T) {
	var sawCookie bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		case "/conversations":
			if c, err := r.Cookie("sid"); err == nil && c.Value == "abc" {
				sawCookie = true
			}
			io.WriteString(w, `{}`)
		}
	})

	if err := client.KeepAlive(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := client.FetchConversation(context.Background(), "s-1"); err != nil {
		t.Fatal(err)
	}
	if !sawCookie {
		t.Error("expected cookie from earlier response to be sent")
	}
}

func TestTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	client := New(&backend.Config{BaseURL: server.URL}, nil)

	_, err := client.Chat(context.Background(), backend.ChatRequest{Message: "x"})
	var se *backend.SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if se.Status != 0 {
		t.Errorf("expected no status for network failure, got %d", se.Status)
	}
}
