// Package wallet implements the token ledger: integer balances per account
// plus an append-only history of every change. Balance mutation and history
// append are committed atomically by the repository; this layer owns the
// business rules (amount validation, self-transfer, reason codes).
package wallet

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"streamgate/internal/database"
	"streamgate/internal/stats"
)

var (
	ErrInvalidAmount  = errors.New("amount must be a positive integer")
	ErrSelfTransfer   = errors.New("self transfer not allowed")
	ErrTargetNotFound = errors.New("target account not found")

	// ErrInsufficientFunds is the repository sentinel re-exported so callers
	// only import this package.
	ErrInsufficientFunds = database.ErrInsufficientFunds
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100

	// TopUpReason tags credits that originate from the external payment
	// provider.
	TopUpReason = "mollie"
)

// RoomJoinReason is recorded on the viewer's side of a pay-gated join.
func RoomJoinReason(slug string) string {
	return "room:private:join:" + slug
}

// RoomEarnReason is recorded on the owner's side of a pay-gated join.
func RoomEarnReason(slug string) string {
	return "room:private:earn:" + slug
}

func tipSentReason(receiver string) string {
	return "tip:sent:" + receiver
}

func tipReceivedReason(sender string) string {
	return "tip:received:" + sender
}

type Ledger struct {
	repo    database.StreamGateRepository
	log     *zap.SugaredLogger
	metrics *stats.Metrics
}

func NewLedger(repo database.StreamGateRepository, logger *zap.SugaredLogger, metrics *stats.Metrics) *Ledger {
	return &Ledger{
		repo:    repo,
		log:     logger,
		metrics: metrics,
	}
}

func (l *Ledger) Balance(accountId int) (int, error) {
	return l.repo.Balance(accountId)
}

// Credit adds tokens with no debited counterpart (external top-ups).
func (l *Ledger) Credit(accountId, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	balance, err := l.repo.Credit(accountId, amount, reason)
	if err != nil {
		return 0, fmt.Errorf("credit account %d: %w", accountId, err)
	}

	l.metrics.TransfersTotal.WithLabelValues("credit").Inc()
	l.metrics.TokensTransferred.Add(float64(amount))
	l.log.Infow("wallet credited",
		"account_id", accountId,
		"amount", amount,
		"reason", reason,
	)

	return balance, nil
}

// Transfer moves tokens between two accounts. Either both the debit and the
// credit apply or neither does; the paired history entries sum to zero.
func (l *Ledger) Transfer(fromAccountId, toAccountId, amount int, fromReason, toReason string) (int, int, error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	if fromAccountId == toAccountId {
		return 0, 0, ErrSelfTransfer
	}

	fromBalance, toBalance, err := l.repo.Transfer(fromAccountId, toAccountId, amount, fromReason, toReason)
	if err != nil {
		return 0, 0, err
	}

	l.metrics.TransfersTotal.WithLabelValues("transfer").Inc()
	l.metrics.TokensTransferred.Add(float64(amount))

	return fromBalance, toBalance, nil
}

// Tip sends tokens from one account to another by username and records the
// attributable tip reasons on both sides.
func (l *Ledger) Tip(from database.Account, toUsername string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	target, err := l.repo.GetAccountByUsername(toUsername)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTargetNotFound
		}
		return 0, fmt.Errorf("lookup tip target: %w", err)
	}

	newBalance, _, err := l.Transfer(
		from.Id,
		target.Id,
		amount,
		tipSentReason(target.Username),
		tipReceivedReason(from.Username),
	)
	if err != nil {
		return 0, err
	}

	l.log.Infow("tip sent",
		"from", from.Username,
		"to", target.Username,
		"amount", amount,
	)

	return newBalance, nil
}

// History returns the newest entries first. A non-positive limit selects the
// default page size.
func (l *Ledger) History(accountId, limit int) ([]database.WalletEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	return l.repo.WalletHistory(accountId, limit)
}
