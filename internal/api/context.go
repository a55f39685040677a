package api

import (
	"context"

	"streamgate/internal/database"
)

type ctxKey int

const accountKey ctxKey = iota

func WithAccount(ctx context.Context, account database.Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

func AccountFrom(ctx context.Context) (database.Account, bool) {
	account, ok := ctx.Value(accountKey).(database.Account)
	return account, ok
}
