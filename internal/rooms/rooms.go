// Package rooms owns room identity (slug, owner, display name, ephemeral
// subject) and the access-policy configuration for each room.
package rooms

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/teris-io/shortid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"streamgate/internal/database"
)

// Access modes a room can be configured with.
const (
	ModePublic   = "public"
	ModeInvite   = "invite"
	ModePassword = "password"
	ModeToken    = "token"
)

const (
	maxSubjectLen = 100
	maxSlugBase   = 60

	// mediaRoomSuffix is appended to a slug to form the room name used by
	// the external media server, and stripped again when resolving one.
	mediaRoomSuffix = "-room"

	slugPlaceholder = "room"

	// slugRetries bounds the numbered-suffix probing before falling back to
	// a random suffix.
	slugRetries = 25
)

var (
	ErrInvalidMode    = errors.New("invalid access mode")
	ErrSecretRequired = errors.New("access secret required for this mode")
	ErrInvalidPrice   = errors.New("token price must not be negative")
	ErrSubjectTooLong = fmt.Errorf("subject exceeds %d characters", maxSubjectLen)
	ErrNotOwner       = errors.New("not the room owner")
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases, collapses runs of non-alphanumerics to single hyphens
// and trims the result. An empty result yields a fixed placeholder.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return slugPlaceholder
	}
	return s
}

// NormalizeSlug maps an externally supplied room reference (which may be the
// media room name, "<slug>-room") back to the canonical slug.
func NormalizeSlug(raw string) string {
	slug := strings.ToLower(strings.TrimSpace(raw))
	slug = strings.TrimSuffix(slug, mediaRoomSuffix)
	return Slugify(slug)
}

// MediaRoomName returns the room name announced to the media server.
func MediaRoomName(slug string) string {
	return slug + mediaRoomSuffix
}

func ValidMode(mode string) bool {
	switch mode {
	case ModePublic, ModeInvite, ModePassword, ModeToken:
		return true
	}
	return false
}

type Directory struct {
	repo database.StreamGateRepository
	log  *zap.SugaredLogger
}

func NewDirectory(repo database.StreamGateRepository, logger *zap.SugaredLogger) *Directory {
	return &Directory{repo: repo, log: logger}
}

func (d *Directory) FindBySlug(slug string) (database.Room, error) {
	return d.repo.GetRoomBySlug(NormalizeSlug(slug))
}

// GetOrCreateRoom returns the owner's room, creating it on first access with
// a slug derived from the owner's display name. Slug collisions are resolved
// with numeric suffixes, then a random shortid suffix as a final fallback.
func (d *Directory) GetOrCreateRoom(owner database.Account) (database.Room, error) {
	room, err := d.repo.GetRoomByOwner(owner.Id)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Room{}, fmt.Errorf("lookup room for account %d: %w", owner.Id, err)
	}

	name := owner.Username
	if name == "" {
		name = fmt.Sprintf("creator-%d", owner.Id)
	}

	base := Slugify(name)
	if len(base) > maxSlugBase {
		base = strings.Trim(base[:maxSlugBase], "-")
	}

	slug := base
	for i := 1; i <= slugRetries; i++ {
		exists, err := d.repo.SlugExists(slug)
		if err != nil {
			return database.Room{}, fmt.Errorf("check slug %q: %w", slug, err)
		}
		if !exists {
			break
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}

	room, err = d.repo.CreateRoom(database.CreateRoomParams{
		AccountId: owner.Id,
		Name:      name,
		Slug:      slug,
	})
	if database.IsUniqueViolation(err) {
		// Lost a race on the slug; retry once with a random suffix.
		sid, sidErr := shortid.Generate()
		if sidErr != nil {
			return database.Room{}, fmt.Errorf("generate slug suffix: %w", sidErr)
		}

		room, err = d.repo.CreateRoom(database.CreateRoomParams{
			AccountId: owner.Id,
			Name:      name,
			Slug:      fmt.Sprintf("%s-%s", base, strings.ToLower(sid)),
		})
	}
	if err != nil {
		return database.Room{}, fmt.Errorf("create room for account %d: %w", owner.Id, err)
	}

	d.log.Infow("room created",
		"account_id", owner.Id,
		"slug", room.Slug,
	)

	return room, nil
}

// SetAccessPolicy reconfigures the gate of the owner's room. The secret is
// required for invite/password modes and stored bcrypt-hashed; public mode
// clears both secret and price.
func (d *Directory) SetAccessPolicy(owner database.Account, slug, mode, secret string, price int) (database.Room, error) {
	if !ValidMode(mode) {
		return database.Room{}, ErrInvalidMode
	}
	if price < 0 {
		return database.Room{}, ErrInvalidPrice
	}

	room, err := d.ownedRoom(owner, slug)
	if err != nil {
		return database.Room{}, err
	}

	params := database.UpdateRoomAccessParams{
		RoomId:     room.Id,
		AccessMode: mode,
	}

	switch mode {
	case ModeInvite, ModePassword:
		if secret == "" {
			return database.Room{}, ErrSecretRequired
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return database.Room{}, fmt.Errorf("hash access secret: %w", err)
		}
		params.SecretHash = string(hash)
	case ModeToken:
		params.TokenPrice = price
	case ModePublic:
		// price forced to 0, secret cleared
	}

	updated, err := d.repo.UpdateRoomAccess(params)
	if err != nil {
		return database.Room{}, fmt.Errorf("update room access: %w", err)
	}

	d.log.Infow("room access updated",
		"slug", updated.Slug,
		"mode", updated.AccessMode,
		"price", updated.TokenPrice,
	)

	return updated, nil
}

// VerifySecret checks a presented secret against the room's stored hash.
func VerifySecret(room database.Room, secret string) bool {
	if room.SecretHash == "" || secret == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(room.SecretHash), []byte(secret)) == nil
}

// SetSubject sets the ephemeral subject of the owner's room; an empty
// subject clears it. Returns the effective display subject.
func (d *Directory) SetSubject(owner database.Account, slug, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if utf8.RuneCountInString(subject) > maxSubjectLen {
		return "", ErrSubjectTooLong
	}

	room, err := d.ownedRoom(owner, slug)
	if err != nil {
		return "", err
	}

	if err := d.repo.UpdateRoomSubject(room.Id, subject); err != nil {
		return "", fmt.Errorf("update room subject: %w", err)
	}

	if subject == "" {
		return room.Name, nil
	}
	return subject, nil
}

func (d *Directory) ownedRoom(owner database.Account, slug string) (database.Room, error) {
	room, err := d.repo.GetRoomBySlug(NormalizeSlug(slug))
	if err != nil {
		return database.Room{}, err
	}
	if room.AccountId != owner.Id {
		return database.Room{}, ErrNotOwner
	}

	return room, nil
}
