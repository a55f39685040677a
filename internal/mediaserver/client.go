// Package mediaserver talks to the external realtime media service: it
// signs capability tokens consumed by the media server and issues
// session-termination (kick) calls against its Twirp admin API.
package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUpstream marks failures of the media server itself, as opposed to
// local errors. Callers treat these as non-fatal for already-committed
// moderation state.
var ErrUpstream = errors.New("media server request failed")

const (
	removeParticipantPath = "/twirp/livekit.RoomService/RemoveParticipant"

	requestTimeout  = 10 * time.Second
	adminTokenTTL   = 10 * time.Minute
	adminIdentity   = "room-moderator"
	DefaultGrantTTL = 12 * time.Hour
)

// RoomService is the slice of the media server admin API this core uses.
type RoomService interface {
	RemoveParticipant(ctx context.Context, roomName, identity string) error
}

type Client struct {
	httpBase string
	signer   *TokenSigner
	httpc    *http.Client
	log      *zap.SugaredLogger
}

// NewClient builds a client for the media server reachable at url. A
// websocket URL (wss:// or ws://) is mapped to its HTTP admin base.
func NewClient(url, apiKey, apiSecret string, logger *zap.SugaredLogger) *Client {
	return &Client{
		httpBase: resolveHTTPBase(url),
		signer:   NewTokenSigner(apiKey, apiSecret),
		httpc:    &http.Client{Timeout: requestTimeout},
		log:      logger,
	}
}

func resolveHTTPBase(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		url = "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		url = "http://" + strings.TrimPrefix(url, "ws://")
	}

	return strings.TrimRight(url, "/")
}

// RemoveParticipant terminates the identity's session in the given media
// room using a short-lived room-admin token.
func (c *Client) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	token, err := c.signer.AccessToken(adminIdentity, AccessGrant{
		Room:      roomName,
		RoomAdmin: true,
	}, "", adminTokenTTL)
	if err != nil {
		return fmt.Errorf("sign admin token: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"room":     roomName,
		"identity": identity,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+removeParticipantPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()

	payload, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, res.StatusCode, payload)
	}

	// Twirp reports some errors with a 200 and an error body.
	if strings.Contains(res.Header.Get("Content-Type"), "json") && len(payload) > 0 {
		var decoded map[string]json.RawMessage
		if json.Unmarshal(payload, &decoded) == nil {
			if msg, ok := decoded["error"]; ok {
				return fmt.Errorf("%w: %s", ErrUpstream, msg)
			}
		}
	}

	c.log.Debugw("participant removed",
		"room", roomName,
		"identity", identity,
	)

	return nil
}
