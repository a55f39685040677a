package mediaserver

import (
	"time"

	"github.com/golang-jwt/jwt"
)

// AccessGrant is the capability bundle embedded in a signed media token.
// Field names follow the media server's video-grant claim layout.
type AccessGrant struct {
	Room           string
	RoomJoin       bool
	RoomCreate     bool
	RoomAdmin      bool
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

func (g AccessGrant) claims() map[string]any {
	return map[string]any{
		"room":           g.Room,
		"roomJoin":       g.RoomJoin,
		"roomCreate":     g.RoomCreate,
		"roomAdmin":      g.RoomAdmin,
		"canPublish":     g.CanPublish,
		"canSubscribe":   g.CanSubscribe,
		"canPublishData": g.CanPublishData,
	}
}

// TokenSigner mints HS256 media tokens with the API key pair shared with
// the media server. Grants are ephemeral; nothing signed here is persisted.
type TokenSigner struct {
	apiKey string
	secret []byte
}

func NewTokenSigner(apiKey, apiSecret string) *TokenSigner {
	return &TokenSigner{
		apiKey: apiKey,
		secret: []byte(apiSecret),
	}
}

// AccessToken signs a grant for the given identity. The small nbf backdate
// absorbs clock skew between this service and the media server.
func (s *TokenSigner) AccessToken(identity string, grant AccessGrant, metadata string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":   s.apiKey,
		"sub":   identity,
		"nbf":   now.Add(-10 * time.Second).Unix(),
		"exp":   now.Add(ttl).Unix(),
		"video": grant.claims(),
	}
	if metadata != "" {
		claims["metadata"] = metadata
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
