package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// maxTxRetries bounds how often a wallet transaction is retried after a
// serialization or deadlock failure before the error is surfaced.
const maxTxRetries = 3

const roomColumns = "id, account_id, name, slug, COALESCE(temp_subject, ''), " +
	"access_mode, COALESCE(access_secret_hash, ''), token_price, created_at"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, used by the room directory's slug collision fallback.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func (db *PgStreamGateRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(&a.Id, &a.Username, &a.Email, &a.CreatedAt)

	return a, err
}

func (db *PgStreamGateRepository) GetAccountByUsername(username string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at FROM accounts WHERE username = $1 LIMIT 1",
		username,
	)

	var a Account
	err := row.Scan(&a.Id, &a.Username, &a.Email, &a.CreatedAt)

	return a, err
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Id,
		&r.AccountId,
		&r.Name,
		&r.Slug,
		&r.TempSubject,
		&r.AccessMode,
		&r.SecretHash,
		&r.TokenPrice,
		&r.CreatedAt,
	)

	return r, err
}

func (db *PgStreamGateRepository) GetRoomBySlug(slug string) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms WHERE slug = $1 LIMIT 1", slug,
	))
}

func (db *PgStreamGateRepository) GetRoomByOwner(accountId int) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms WHERE account_id = $1 LIMIT 1", accountId,
	))
}

func (db *PgStreamGateRepository) SlugExists(slug string) (bool, error) {
	var id int
	err := db.conn.QueryRow("SELECT id FROM rooms WHERE slug = $1 LIMIT 1", slug).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	return err == nil, err
}

func (db *PgStreamGateRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"INSERT INTO rooms (account_id, name, slug, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING "+roomColumns,
		params.AccountId,
		params.Name,
		params.Slug,
		time.Now().UTC(),
	))
}

func (db *PgStreamGateRepository) UpdateRoomAccess(params UpdateRoomAccessParams) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"UPDATE rooms SET access_mode = $2, access_secret_hash = NULLIF($3, ''), token_price = $4 "+
			"WHERE id = $1 RETURNING "+roomColumns,
		params.RoomId,
		params.AccessMode,
		params.SecretHash,
		params.TokenPrice,
	))
}

func (db *PgStreamGateRepository) UpdateRoomSubject(roomId int, subject string) error {
	res, err := db.conn.Exec(
		"UPDATE rooms SET temp_subject = NULLIF($2, '') WHERE id = $1",
		roomId,
		subject,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}

	return err
}

// GetAccessSnapshot reads the room together with the caller's ban, timeout
// and moderator rows in a single statement, so every gate of one access
// decision observes the same state.
func (db *PgStreamGateRepository) GetAccessSnapshot(slug, identity string) (AccessSnapshot, error) {
	row := db.conn.QueryRow(
		`SELECT r.id, r.account_id, r.name, r.slug, COALESCE(r.temp_subject, ''),
				r.access_mode, COALESCE(r.access_secret_hash, ''), r.token_price, r.created_at,
				b.id IS NOT NULL AS banned,
				t.until,
				m.id IS NOT NULL AS is_moderator
		   FROM rooms r
		   LEFT JOIN room_bans b ON b.room_id = r.id AND b.identity = $2
		   LEFT JOIN room_timeouts t ON t.room_id = r.id AND t.identity = $2
		   LEFT JOIN room_moderators m ON m.room_id = r.id AND m.identity = $2
		  WHERE r.slug = $1`,
		slug,
		identity,
	)

	var (
		snap  AccessSnapshot
		until sql.NullTime
	)
	err := row.Scan(
		&snap.Room.Id,
		&snap.Room.AccountId,
		&snap.Room.Name,
		&snap.Room.Slug,
		&snap.Room.TempSubject,
		&snap.Room.AccessMode,
		&snap.Room.SecretHash,
		&snap.Room.TokenPrice,
		&snap.Room.CreatedAt,
		&snap.Banned,
		&until,
		&snap.IsModerator,
	)
	if err != nil {
		return AccessSnapshot{}, err
	}

	if until.Valid {
		snap.TimeoutSet = true
		snap.TimedOutTil = until.Time
	}

	return snap, nil
}

func (db *PgStreamGateRepository) CreateBan(roomId int, identity, username string) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_bans (room_id, identity, username, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (room_id, identity) DO NOTHING",
		roomId,
		identity,
		username,
		time.Now().UTC(),
	)

	return err
}

func (db *PgStreamGateRepository) DeleteBan(roomId int, identity string) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_bans WHERE room_id = $1 AND identity = $2",
		roomId,
		identity,
	)

	return err
}

func (db *PgStreamGateRepository) GetBan(roomId int, identity string) (RoomBan, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, identity, username, created_at FROM room_bans "+
			"WHERE room_id = $1 AND identity = $2 LIMIT 1",
		roomId,
		identity,
	)

	var b RoomBan
	err := row.Scan(&b.Id, &b.RoomId, &b.Identity, &b.Username, &b.CreatedAt)

	return b, err
}

func (db *PgStreamGateRepository) ReplaceTimeout(roomId int, identity, username string, until time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_timeouts (room_id, identity, username, until) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (room_id, identity) DO UPDATE SET username = EXCLUDED.username, until = EXCLUDED.until",
		roomId,
		identity,
		username,
		until.UTC(),
	)

	return err
}

func (db *PgStreamGateRepository) GetTimeout(roomId int, identity string) (RoomTimeout, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, identity, username, until FROM room_timeouts "+
			"WHERE room_id = $1 AND identity = $2 LIMIT 1",
		roomId,
		identity,
	)

	var t RoomTimeout
	err := row.Scan(&t.Id, &t.RoomId, &t.Identity, &t.Username, &t.Until)

	return t, err
}

func (db *PgStreamGateRepository) DeleteTimeout(roomId int, identity string) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_timeouts WHERE room_id = $1 AND identity = $2",
		roomId,
		identity,
	)

	return err
}

func (db *PgStreamGateRepository) CreateModerator(roomId int, identity, username string) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_moderators (room_id, identity, username, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (room_id, identity) DO NOTHING",
		roomId,
		identity,
		username,
		time.Now().UTC(),
	)

	return err
}

func (db *PgStreamGateRepository) DeleteModerator(roomId int, identity string) (bool, error) {
	res, err := db.conn.Exec(
		"DELETE FROM room_moderators WHERE room_id = $1 AND identity = $2",
		roomId,
		identity,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()

	return n > 0, err
}

func (db *PgStreamGateRepository) IsModerator(roomId int, identity string) (bool, error) {
	var id int
	err := db.conn.QueryRow(
		"SELECT id FROM room_moderators WHERE room_id = $1 AND identity = $2 LIMIT 1",
		roomId,
		identity,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	return err == nil, err
}

// Balance treats a missing wallet row as zero without materializing it.
func (db *PgStreamGateRepository) Balance(accountId int) (int, error) {
	var balance int
	err := db.conn.QueryRow(
		"SELECT COALESCE((SELECT balance FROM wallets WHERE account_id = $1), 0)",
		accountId,
	).Scan(&balance)

	return balance, err
}

// ensureWallet materializes the wallet row for an account so it can be
// locked. A foreign key violation means the account itself is unknown.
func ensureWallet(tx *sql.Tx, accountId int) error {
	_, err := tx.Exec(
		"INSERT INTO wallets (account_id, balance) VALUES ($1, 0) ON CONFLICT (account_id) DO NOTHING",
		accountId,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("account %d: %w", accountId, ErrAccountNotFound)
	}

	return err
}

func lockBalance(tx *sql.Tx, accountId int) (int, error) {
	var balance int
	err := tx.QueryRow(
		"SELECT balance FROM wallets WHERE account_id = $1 FOR UPDATE",
		accountId,
	).Scan(&balance)

	return balance, err
}

func (db *PgStreamGateRepository) Credit(accountId, amount int, reason string) (int, error) {
	var (
		balance int
		err     error
	)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		balance, err = db.creditTx(accountId, amount, reason)
		if !isRetryableTxError(err) {
			break
		}
	}

	return balance, err
}

func (db *PgStreamGateRepository) creditTx(accountId, amount int, reason string) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = ensureWallet(tx, accountId); err != nil {
		return 0, err
	}

	var balance int
	err = tx.QueryRow(
		"UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE account_id = $1 RETURNING balance",
		accountId,
		amount,
	).Scan(&balance)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(
		"INSERT INTO wallet_entries (account_id, change, reason, created_at) VALUES ($1, $2, $3, $4)",
		accountId,
		amount,
		reason,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return balance, nil
}

// Transfer debits one account and credits another in a single transaction,
// appending one history entry per side. Rows are locked in ascending
// account-id order so concurrent transfers over the same pair cannot
// deadlock each other.
func (db *PgStreamGateRepository) Transfer(fromAccountId, toAccountId, amount int, fromReason, toReason string) (int, int, error) {
	var (
		fromBalance, toBalance int
		err                    error
	)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		fromBalance, toBalance, err = db.transferTx(fromAccountId, toAccountId, amount, fromReason, toReason)
		if !isRetryableTxError(err) {
			break
		}
	}

	return fromBalance, toBalance, err
}

func (db *PgStreamGateRepository) transferTx(fromAccountId, toAccountId, amount int, fromReason, toReason string) (int, int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = ensureWallet(tx, fromAccountId); err != nil {
		return 0, 0, err
	}
	if err = ensureWallet(tx, toAccountId); err != nil {
		return 0, 0, err
	}

	first, second := fromAccountId, toAccountId
	if second < first {
		first, second = second, first
	}

	balances := make(map[int]int, 2)
	if balances[first], err = lockBalance(tx, first); err != nil {
		return 0, 0, err
	}
	if balances[second], err = lockBalance(tx, second); err != nil {
		return 0, 0, err
	}

	if balances[fromAccountId] < amount {
		err = ErrInsufficientFunds
		return 0, 0, err
	}

	_, err = tx.Exec(
		"UPDATE wallets SET balance = balance - $2, updated_at = NOW() WHERE account_id = $1",
		fromAccountId,
		amount,
	)
	if err != nil {
		return 0, 0, err
	}

	_, err = tx.Exec(
		"UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE account_id = $1",
		toAccountId,
		amount,
	)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO wallet_entries (account_id, change, reason, created_at) VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)",
		fromAccountId, -amount, fromReason, now,
		toAccountId, amount, toReason, now,
	)
	if err != nil {
		return 0, 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}

	return balances[fromAccountId] - amount, balances[toAccountId] + amount, nil
}

func (db *PgStreamGateRepository) WalletHistory(accountId, limit int) ([]WalletEntry, error) {
	rows, err := db.conn.Query(
		"SELECT id, account_id, change, reason, created_at FROM wallet_entries "+
			"WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		accountId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]WalletEntry, 0, limit)
	for rows.Next() {
		var e WalletEntry
		if err := rows.Scan(&e.Id, &e.AccountId, &e.Change, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
