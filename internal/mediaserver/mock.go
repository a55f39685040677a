package mediaserver

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRoomService struct {
	mock.Mock
}

func (m *MockRoomService) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	args := m.Called(ctx, roomName, identity)
	return args.Error(0)
}
