package api

import (
	"context"

	"github.com/Chiesa14/erc-system-sub000/internal/gateway"
	"github.com/Chiesa14/erc-system-sub000/internal/push"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChat struct {
	mock.Mock
}

var _ Chat = (*MockChat)(nil)

func (m *MockChat) SelfId() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockChat) ConnectionState() push.State {
	args := m.Called()
	return args.Get(0).(push.State)
}

func (m *MockChat) Rooms() []types.Room {
	args := m.Called()
	return args.Get(0).([]types.Room)
}

func (m *MockChat) OpenRoom(ctx context.Context, roomId int) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockChat) CloseRoom(roomId int) {
	m.Called(roomId)
}

func (m *MockChat) Messages(roomId int) ([]types.Message, bool) {
	args := m.Called(roomId)
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Bool(1)
}

func (m *MockChat) Send(ctx context.Context, req gateway.SendRequest) (types.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChat) Forward(ctx context.Context, req gateway.ForwardRequest) (types.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChat) Retry(ctx context.Context, token string) (types.Message, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChat) AddReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	args := m.Called(ctx, messageId, emoji)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChat) RemoveReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	args := m.Called(ctx, messageId, emoji)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChat) Typing(roomId int) ([]int, bool) {
	args := m.Called(roomId)
	users, _ := args.Get(0).([]int)
	return users, args.Bool(1)
}

func (m *MockChat) Keystroke(roomId int) error {
	args := m.Called(roomId)
	return args.Error(0)
}

func (m *MockChat) Draft(roomId int) (gateway.Draft, bool) {
	args := m.Called(roomId)
	return args.Get(0).(gateway.Draft), args.Bool(1)
}

func (m *MockChat) SetReply(roomId, messageId int) error {
	args := m.Called(roomId, messageId)
	return args.Error(0)
}

func (m *MockChat) SetForward(roomId, sourceRoomId, messageId int) error {
	args := m.Called(roomId, sourceRoomId, messageId)
	return args.Error(0)
}

func (m *MockChat) ClearDraft(roomId int) {
	m.Called(roomId)
}

func (m *MockChat) Submit(ctx context.Context, roomId int, content string) (types.Message, error) {
	args := m.Called(ctx, roomId, content)
	return args.Get(0).(types.Message), args.Error(1)
}
