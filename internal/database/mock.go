package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockStreamGateRepository struct {
	mock.Mock
}

func (m *MockStreamGateRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStreamGateRepository) GetAccountById(accountId int) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStreamGateRepository) GetAccountByUsername(username string) (Account, error) {
	args := m.Called(username)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStreamGateRepository) GetRoomBySlug(slug string) (Room, error) {
	args := m.Called(slug)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockStreamGateRepository) GetRoomByOwner(accountId int) (Room, error) {
	args := m.Called(accountId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockStreamGateRepository) SlugExists(slug string) (bool, error) {
	args := m.Called(slug)
	return args.Bool(0), args.Error(1)
}
func (m *MockStreamGateRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockStreamGateRepository) UpdateRoomAccess(params UpdateRoomAccessParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockStreamGateRepository) UpdateRoomSubject(roomId int, subject string) error {
	args := m.Called(roomId, subject)
	return args.Error(0)
}
func (m *MockStreamGateRepository) GetAccessSnapshot(slug, identity string) (AccessSnapshot, error) {
	args := m.Called(slug, identity)
	return args.Get(0).(AccessSnapshot), args.Error(1)
}
func (m *MockStreamGateRepository) CreateBan(roomId int, identity, username string) error {
	args := m.Called(roomId, identity, username)
	return args.Error(0)
}
func (m *MockStreamGateRepository) DeleteBan(roomId int, identity string) error {
	args := m.Called(roomId, identity)
	return args.Error(0)
}
func (m *MockStreamGateRepository) GetBan(roomId int, identity string) (RoomBan, error) {
	args := m.Called(roomId, identity)
	return args.Get(0).(RoomBan), args.Error(1)
}
func (m *MockStreamGateRepository) ReplaceTimeout(roomId int, identity, username string, until time.Time) error {
	args := m.Called(roomId, identity, username, until)
	return args.Error(0)
}
func (m *MockStreamGateRepository) GetTimeout(roomId int, identity string) (RoomTimeout, error) {
	args := m.Called(roomId, identity)
	return args.Get(0).(RoomTimeout), args.Error(1)
}
func (m *MockStreamGateRepository) DeleteTimeout(roomId int, identity string) error {
	args := m.Called(roomId, identity)
	return args.Error(0)
}
func (m *MockStreamGateRepository) CreateModerator(roomId int, identity, username string) error {
	args := m.Called(roomId, identity, username)
	return args.Error(0)
}
func (m *MockStreamGateRepository) DeleteModerator(roomId int, identity string) (bool, error) {
	args := m.Called(roomId, identity)
	return args.Bool(0), args.Error(1)
}
func (m *MockStreamGateRepository) IsModerator(roomId int, identity string) (bool, error) {
	args := m.Called(roomId, identity)
	return args.Bool(0), args.Error(1)
}
func (m *MockStreamGateRepository) Balance(accountId int) (int, error) {
	args := m.Called(accountId)
	return args.Int(0), args.Error(1)
}
func (m *MockStreamGateRepository) Credit(accountId, amount int, reason string) (int, error) {
	args := m.Called(accountId, amount, reason)
	return args.Int(0), args.Error(1)
}
func (m *MockStreamGateRepository) Transfer(fromAccountId, toAccountId, amount int, fromReason, toReason string) (int, int, error) {
	args := m.Called(fromAccountId, toAccountId, amount, fromReason, toReason)
	return args.Int(0), args.Int(1), args.Error(2)
}
func (m *MockStreamGateRepository) WalletHistory(accountId, limit int) ([]WalletEntry, error) {
	args := m.Called(accountId, limit)
	return args.Get(0).([]WalletEntry), args.Error(1)
}
