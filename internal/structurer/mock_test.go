package structurer

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/schema"
	"github.com/declarante/irpf-cli/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_test",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func testAICfg() config.AnthropicConfig {
	return config.AnthropicConfig{
		Model:         "claude-sonnet-4-5-20250929",
		ClassifyModel: "claude-haiku-4-5-20251001",
	}
}

func newTestLoop(client anthropic.Client, budget int) *Loop {
	s := NewStructurer(client, schema.MustLoad(), testAICfg(), nil)
	return NewLoop(s, config.StructurerConfig{RetryBudget: budget, AttemptTimeoutSecs: 30})
}
