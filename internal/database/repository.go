package database

import "time"

type StreamGateRepository interface {
	Ping() error

	GetAccountById(accountId int) (Account, error)
	GetAccountByUsername(username string) (Account, error)

	GetRoomBySlug(slug string) (Room, error)
	GetRoomByOwner(accountId int) (Room, error)
	SlugExists(slug string) (bool, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	UpdateRoomAccess(params UpdateRoomAccessParams) (Room, error)
	UpdateRoomSubject(roomId int, subject string) error
	GetAccessSnapshot(slug, identity string) (AccessSnapshot, error)

	CreateBan(roomId int, identity, username string) error
	DeleteBan(roomId int, identity string) error
	GetBan(roomId int, identity string) (RoomBan, error)
	ReplaceTimeout(roomId int, identity, username string, until time.Time) error
	GetTimeout(roomId int, identity string) (RoomTimeout, error)
	DeleteTimeout(roomId int, identity string) error
	CreateModerator(roomId int, identity, username string) error
	DeleteModerator(roomId int, identity string) (bool, error)
	IsModerator(roomId int, identity string) (bool, error)

	Balance(accountId int) (int, error)
	Credit(accountId, amount int, reason string) (int, error)
	Transfer(fromAccountId, toAccountId, amount int, fromReason, toReason string) (int, int, error)
	WalletHistory(accountId, limit int) ([]WalletEntry, error)
}
