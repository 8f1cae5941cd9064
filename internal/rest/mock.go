package rest

import (
	"context"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ ChatAPI = (*MockClient)(nil)

func (m *MockClient) ListRooms(ctx context.Context) ([]types.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]types.Room)
	return rooms, args.Error(1)
}

func (m *MockClient) FetchMessages(ctx context.Context, roomId, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, limit)
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Error(1)
}

func (m *MockClient) CreateMessage(ctx context.Context, req CreateMessageRequest) (types.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockClient) AddReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error) {
	args := m.Called(ctx, messageId, emoji)
	return args.Get(0).(ReactionResult), args.Error(1)
}

func (m *MockClient) RemoveReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error) {
	args := m.Called(ctx, messageId, emoji)
	return args.Get(0).(ReactionResult), args.Error(1)
}
