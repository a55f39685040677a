package database

import "time"

type Account struct {
	Id        int
	Username  string
	Email     string
	CreatedAt time.Time
}

type Room struct {
	Id          int
	AccountId   int
	Name        string
	Slug        string
	TempSubject string
	AccessMode  string
	SecretHash  string
	TokenPrice  int
	CreatedAt   time.Time
}

// Subject returns the effective display subject: the ephemeral subject
// when one is set, otherwise the room name.
func (r Room) Subject() string {
	if r.TempSubject != "" {
		return r.TempSubject
	}
	return r.Name
}

type RoomBan struct {
	Id        int
	RoomId    int
	Identity  string
	Username  string
	CreatedAt time.Time
}

type RoomTimeout struct {
	Id       int
	RoomId   int
	Identity string
	Username string
	Until    time.Time
}

type RoomModerator struct {
	Id        int
	RoomId    int
	Identity  string
	Username  string
	CreatedAt time.Time
}

// WalletEntry is one immutable row of the append-only balance history.
type WalletEntry struct {
	Id        int
	AccountId int
	Change    int
	Reason    string
	CreatedAt time.Time
}

type CreateRoomParams struct {
	AccountId int
	Name      string
	Slug      string
}

type UpdateRoomAccessParams struct {
	RoomId     int
	AccessMode string
	SecretHash string
	TokenPrice int
}

// AccessSnapshot is the single consistent read the access decision engine
// works from: the room row joined with the caller's ban, timeout and
// moderator rows, produced by one statement.
type AccessSnapshot struct {
	Room        Room
	Banned      bool
	TimeoutSet  bool
	TimedOutTil time.Time
	IsModerator bool
}
