package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/reelchat/internal/logging"
	"github.com/zhouzirui/reelchat/internal/model/chat"
	"github.com/zhouzirui/reelchat/internal/service/ai"
	chatservice "github.com/zhouzirui/reelchat/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocketHandler serves the plain-text chat socket: every inbound text frame
// is answered with exactly one complete text frame.
type WebSocketHandler struct {
	responder ai.Responder
	chatSvc   *chatservice.Service
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewWebSocketHandler creates the websocket handler.
func NewWebSocketHandler(responder ai.Responder, chatSvc *chatservice.Service, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		responder: responder,
		chatSvc:   chatSvc,
		logger:    logging.Or(logger).With(zap.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes mounts the websocket endpoint.
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/chat/{sessionID}", h.handleWebSocket)
}

// handleWebSocket serves one chat connection.
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	if h.chatSvc == nil || h.responder == nil {
		http.Error(w, "chat service unavailable", http.StatusServiceUnavailable)
		return
	}

	if _, err := h.chatSvc.CreateSession(r.Context(), sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	log := h.logger.With(zap.String("session", sessionID))
	log.Info("new connection")

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, conn)
	}()

	frames := make(chan string)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, log, frames)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("connection closed")
			return
		case text := <-frames:
			if err := h.processUserText(ctx, conn, sessionID, text); err != nil {
				log.Warn("reply aborted", zap.Error(err))
				return
			}
		}
	}
}

// readLoop forwards text frames until the peer goes away. The context is
// cancelled on return, which aborts any reply still being generated.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, log *zap.Logger, frames chan<- string) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read error", zap.Error(err))
			} else {
				log.Debug("client disconnected", zap.Error(err))
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		select {
		case frames <- string(data):
		case <-ctx.Done():
			return
		}
	}
}

var errConnectionGone = errors.New("connection closed during processing")

func (h *WebSocketHandler) processUserText(ctx context.Context, conn *websocket.Conn, sessionID, userText string) error {
	history, err := h.chatSvc.LoadTranscript(ctx, sessionID)
	if err != nil {
		return err
	}

	if _, err := h.chatSvc.SaveMessage(ctx, chat.Message{SessionID: sessionID, Role: chat.RoleUser, RawText: userText}); err != nil {
		return err
	}

	start := time.Now()
	reply, err := h.responder.Reply(ctx, sessionID, history, userText)
	if err != nil {
		return err
	}

	// The peer may have left while the reply was generated.
	if ctx.Err() != nil {
		return errConnectionGone
	}

	if _, err := h.chatSvc.SaveMessage(ctx, chat.Message{SessionID: sessionID, Role: chat.RoleAssistant, RawText: reply}); err != nil {
		h.logger.Warn("save assistant message failed", zap.Error(err))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
		return err
	}

	h.logger.Debug("reply sent",
		zap.String("session", sessionID),
		zap.Int("length", len(reply)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// pingLoop sends periodic pings.
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
