// Package presence tracks which creators are currently live, backed by
// short-lived Redis keys. Everything here is best-effort: presence is a
// convenience signal, never an authorization input.
package presence

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "live:"

	// keyTTL bounds staleness: a broadcaster that stops heartbeating drops
	// off the live list within this window.
	keyTTL = 60 * time.Second

	opTimeout = 2 * time.Second
)

// Tracker records and reports live broadcasters. A nil Redis client puts
// the tracker in disabled mode, where every username reads as offline.
type Tracker struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewTracker(rdb *redis.Client, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{rdb: rdb, log: logger}
}

func (t *Tracker) Enabled() bool {
	return t.rdb != nil
}

// Heartbeat marks a broadcaster as live for the TTL window. Callers send
// this periodically while streaming; failures are logged and swallowed.
func (t *Tracker) Heartbeat(ctx context.Context, username string) {
	if t.rdb == nil || username == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := t.rdb.Set(ctx, keyPrefix+username, "1", keyTTL).Err(); err != nil {
		t.log.Warnw("presence heartbeat failed",
			"username", username,
			"error", err,
		)
	}
}

// Stop removes the live marker immediately instead of waiting for expiry.
func (t *Tracker) Stop(ctx context.Context, username string) {
	if t.rdb == nil || username == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := t.rdb.Del(ctx, keyPrefix+username).Err(); err != nil {
		t.log.Warnw("presence stop failed",
			"username", username,
			"error", err,
		)
	}
}

// Live lists every broadcaster currently holding a live marker, sorted
// for stable output. A scan failure yields whatever was collected so far.
func (t *Tracker) Live(ctx context.Context) []string {
	if t.rdb == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var usernames []string
	iter := t.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		usernames = append(usernames, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		t.log.Warnw("presence scan failed", "error", err)
	}

	sort.Strings(usernames)
	return usernames
}

// IsLive reports whether a broadcaster currently holds a live marker.
func (t *Tracker) IsLive(ctx context.Context, username string) bool {
	if t.rdb == nil || username == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := t.rdb.Exists(ctx, keyPrefix+username).Result()
	if err != nil {
		t.log.Warnw("presence lookup failed",
			"username", username,
			"error", err,
		)
		return false
	}

	return n > 0
}
