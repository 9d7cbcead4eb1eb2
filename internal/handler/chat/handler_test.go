package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/reelchat/internal/model/chat"
	chatservice "github.com/zhouzirui/reelchat/internal/service/chat"
)

func setupRouter() (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService()
	handler := New(chatSvc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func TestCreateSessionWithID(t *testing.T) {
	r, chatSvc := setupRouter()
	payload, _ := json.Marshal(map[string]string{"sessionId": "u1"})

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if _, err := chatSvc.GetSession(context.Background(), "u1"); err != nil {
		t.Fatalf("expected session u1 to exist: %v", err)
	}
}

func TestCreateSessionGeneratesID(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var session chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.ID == "" {
		t.Fatalf("expected generated session id")
	}
}

func TestCreateSessionInvalidBody(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader([]byte(`{`)))
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListMessages(t *testing.T) {
	r, chatSvc := setupRouter()
	ctx := context.Background()
	if _, err := chatSvc.CreateSession(ctx, "u1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := chatSvc.SaveMessage(ctx, chat.Message{SessionID: "u1", Role: chat.RoleUser, RawText: "hi"}); err != nil {
		t.Fatalf("save message: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/u1/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		SessionID string         `json:"sessionId"`
		Messages  []chat.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.SessionID != "u1" || len(body.Messages) != 1 || body.Messages[0].RawText != "hi" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestListMessagesUnknownSession(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
