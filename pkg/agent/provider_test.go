package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*LLMResponse)
	return resp, args.Error(1)
}

func (m *mockProvider) Provider() string { return "mock" }

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "openai", APIKey: "sk-x"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = NewProvider(ProviderConfig{Provider: "anthropic", APIKey: "sk-ant-x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	_, err = NewProvider(ProviderConfig{Provider: "gemini", APIKey: "k"})
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = NewProvider(ProviderConfig{Provider: "openai"})
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestChatModelInvoke(t *testing.T) {
	mp := &mockProvider{}
	mp.On("Call", mock.Anything, mock.MatchedBy(func(r LLMRequest) bool {
		return r.Model == "gpt-4o" && len(r.Messages) == 2 && r.MaxTokens == 512
	})).Return(&LLMResponse{Content: "  {\"action_needed\":\"finish\"}\n", Usage: &TokenUsage{InputTokens: 3}}, nil)

	model, err := NewChatModel(mp, ProviderConfig{Model: "gpt-4o", MaxTokens: 512, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "mock/gpt-4o", model.Name())

	out, err := model.Invoke(context.Background(), []Message{SystemMessage("s"), UserMessage("u")})
	require.NoError(t, err)
	assert.Equal(t, `{"action_needed":"finish"}`, out)
	mp.AssertExpectations(t)
}

func TestChatModelWrapsErrors(t *testing.T) {
	mp := &mockProvider{}
	mp.On("Call", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	model, err := NewChatModel(mp, ProviderConfig{Model: "m"})
	require.NoError(t, err)

	_, err = model.Invoke(context.Background(), []Message{UserMessage("u")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModel))
}

func TestNewChatModelValidation(t *testing.T) {
	_, err := NewChatModel(nil, ProviderConfig{Model: "m"})
	assert.Error(t, err)

	_, err = NewChatModel(&mockProvider{}, ProviderConfig{})
	assert.Error(t, err)
}
