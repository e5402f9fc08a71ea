// ABOUTME: Conversational model capability backed by an OpenAI-compatible chat completions API
// ABOUTME: Converts role-tagged turns into go-openai requests and returns the reply text

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the provider answers without any text.
var ErrEmptyResponse = errors.New("model returned no content")

// Role is the author of a turn sent to the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of model context.
type Turn struct {
	Role    Role
	Content string
}

// ChatModel sends history plus a new prompt and returns the reply.
type ChatModel interface {
	Chat(ctx context.Context, history []Turn, prompt string) (string, error)
}

// Config configures an OpenAIModel.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIModel implements ChatModel with github.com/sashabaranov/go-openai.
type OpenAIModel struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIModel creates a client. BaseURL may point at any OpenAI-compatible
// endpoint; an empty value uses the library default.
func NewOpenAIModel(cfg Config, logger *slog.Logger) *OpenAIModel {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.With("component", "llm", "model", cfg.Model),
	}
}

// Chat implements ChatModel.
func (m *OpenAIModel) Chat(ctx context.Context, history []Turn, prompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    toOpenAIRole(t.Role),
			Content: t.Content,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	m.logger.Debug("chat completion",
		"history_turns", len(history),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIRole(r Role) string {
	if r == RoleAssistant {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

var _ ChatModel = (*OpenAIModel)(nil)
