package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ErrUpstream wraps failures of the external generation service. They are
// surfaced to the caller and never retried automatically.
var ErrUpstream = errors.New("generation service error")

// Generator produces a streamed reply from conversation context.
type Generator interface {
	StreamReply(ctx context.Context, history []*models.Message, callback func(string) error) (*models.Message, error)
}

// Factory builds a Generator for a provider. Swappable in tests.
type Factory func(provider string, provCfg config.ProviderConfig, modelType string) (Generator, error)

type chatGenerator struct {
	chat model.ToolCallingChatModel
}

// New constructs a streaming generator backed by the configured provider.
func New(provider string, provCfg config.ProviderConfig, modelType string) (Generator, error) {
	if modelType == "" {
		modelType = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &chatGenerator{chat: chatModel}, nil
}

// StreamReply forwards the history window to the model and streams content
// fragments through the callback as they are generated.
func (g *chatGenerator) StreamReply(ctx context.Context, history []*models.Message, callback func(string) error) (*models.Message, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}

	streamReader, err := g.chat.Stream(ctx, convertMessages(history))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer streamReader.Close()

	var fullContent string
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if chunk.Content == "" {
			continue
		}
		fullContent += chunk.Content
		if callback != nil {
			if err := callback(chunk.Content); err != nil {
				return nil, err
			}
		}
	}

	last := history[len(history)-1]
	return &models.Message{
		SessionID: last.SessionID,
		Role:      models.RoleAgent,
		Content:   fullContent,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAgent:
			role = schema.Assistant
		case models.RoleUser, models.RoleOperator:
			role = schema.User
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
