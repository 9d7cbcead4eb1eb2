package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/reelchat/internal/config"
	"github.com/zhouzirui/reelchat/internal/logging"
	"github.com/zhouzirui/reelchat/internal/model/chat"
)

// FallbackReply is sent when the model fails or returns nothing, so every
// inbound frame is still answered.
const FallbackReply = "Sorry for the technical hiccup. I can still help you find something to watch!\n\n" +
	"Try asking me for:\n" +
	"- films of a specific genre\n" +
	"- suggestions based on your taste\n" +
	"- details about a specific film"

// Responder produces exactly one complete reply per user message.
type Responder interface {
	Reply(ctx context.Context, sessionID string, history []chat.Message, userMessage string) (string, error)
}

// Service answers through an eino chain backed by an ark chat model.
type Service struct {
	cfg    config.AIConfig
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newServiceWithModel(ctx, chatModel, cfg, logger)
}

func newServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:    cfg,
		chain:  runnable,
		logger: logging.Or(logger).With(zap.String("component", "ai")),
	}, nil
}

// Reply runs the chain. Model errors and empty output fall back to FallbackReply.
func (s *Service) Reply(ctx context.Context, sessionID string, history []chat.Message, userMessage string) (string, error) {
	input := map[string]any{
		"system":  s.cfg.SystemPrompt,
		"history": buildHistoryMessages(history, s.cfg.HistoryLimit),
		"query":   userMessage,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("chain failed, using fallback reply", zap.String("session", sessionID), zap.Error(err))
		return FallbackReply, nil
	}

	content := strings.TrimSpace(response.Content)
	if content == "" {
		s.logger.Warn("empty model output, using fallback reply", zap.String("session", sessionID))
		return FallbackReply, nil
	}

	s.logger.Info("generated response", zap.String("session", sessionID), zap.Int("length", len(content)))
	return content, nil
}

func buildHistoryMessages(messages []chat.Message, historyLimit int) []*schema.Message {
	if len(messages) == 0 || historyLimit <= 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.RawText))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.RawText, nil))
		}
	}

	return history
}

// Echo answers without a model. It is used when no ark credentials are configured.
type Echo struct{}

// Reply returns the user message quoted back in Markdown.
func (Echo) Reply(_ context.Context, _ string, history []chat.Message, userMessage string) (string, error) {
	turns := 0
	for _, msg := range history {
		if msg.Role == chat.RoleUser {
			turns++
		}
	}
	return fmt.Sprintf("## Echo\n\nYou said: **%s**\n\nMessages so far: %d", userMessage, turns+1), nil
}
