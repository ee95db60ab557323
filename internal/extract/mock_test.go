package extract

import (
	"context"
	"errors"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/pkg/anthropic"
)

// mockClient implements anthropic.Client for testing.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

// stubAgent returns a fixed result or error.
type stubAgent struct {
	name string
	res  model.ExtractionResult
	err  error
}

func (s stubAgent) Name() string { return s.name }

func (s stubAgent) Extract(ctx context.Context, _ *model.Candidate) (model.ExtractionResult, error) {
	if s.err != nil {
		return model.ExtractionResult{}, s.err
	}
	return s.res, ctx.Err()
}

var errAgentDown = errors.New("agent down")
