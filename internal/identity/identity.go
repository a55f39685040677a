// Package identity validates bearer credentials and resolves them to
// accounts. Credential issuance lives outside this core; the resolver only
// verifies and looks up.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"

	"streamgate/internal/database"
)

var ErrInvalidCredential = errors.New("invalid or expired credential")

const subjectClaim = "sub"

type Resolver struct {
	repo   database.StreamGateRepository
	secret []byte
}

func NewResolver(repo database.StreamGateRepository, secret []byte) *Resolver {
	return &Resolver{repo: repo, secret: secret}
}

// ResolveHeader resolves an "Authorization: Bearer <token>" header value.
func (r *Resolver) ResolveHeader(header string) (database.Account, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return database.Account{}, ErrInvalidCredential
	}

	return r.Resolve(parts[1])
}

// Resolve verifies the HS256 token and loads the account its subject claim
// identifies.
func (r *Resolver) Resolve(tokenString string) (database.Account, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return database.Account{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return database.Account{}, ErrInvalidCredential
	}

	accountId, err := subjectAccountId(claims)
	if err != nil {
		return database.Account{}, ErrInvalidCredential
	}

	account, err := r.repo.GetAccountById(accountId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Account{}, ErrInvalidCredential
	}
	if err != nil {
		return database.Account{}, fmt.Errorf("lookup account %d: %w", accountId, err)
	}

	return account, nil
}

// subjectAccountId accepts both string and numeric sub claims; issuers in
// the wild encode the account id either way.
func subjectAccountId(claims jwt.MapClaims) (int, error) {
	switch sub := claims[subjectClaim].(type) {
	case string:
		return strconv.Atoi(sub)
	case float64:
		return int(sub), nil
	default:
		return 0, fmt.Errorf("missing sub claim")
	}
}
