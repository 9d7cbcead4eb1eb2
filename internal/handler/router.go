package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/reelchat/internal/handler/chat"
	"github.com/zhouzirui/reelchat/internal/logging"
	middlewarePkg "github.com/zhouzirui/reelchat/internal/middleware"
	aiService "github.com/zhouzirui/reelchat/internal/service/ai"
	chatService "github.com/zhouzirui/reelchat/internal/service/chat"
	"github.com/zhouzirui/reelchat/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, responder aiService.Responder, logger *zap.Logger) http.Handler {
	logger = logging.Or(logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(chatSvc)
	wsHandler := chat.NewWebSocketHandler(responder, chatSvc, logger)

	wsHandler.RegisterWebSocketRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"agent":  agentStatus(responder),
		})
	})

	r.Get("/test-info", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"backend_status":     "running",
			"websocket_endpoint": "/chat/{sessionID}",
			"session_id_source":  "client generated, one per page load",
			"description":        "each client keeps one session id and sends plain text frames; every frame gets one text reply",
		})
	})

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
	})

	return r
}

func agentStatus(responder aiService.Responder) string {
	switch responder.(type) {
	case nil:
		return "unavailable"
	case aiService.Echo:
		return "echo"
	default:
		return "ready"
	}
}
