// Package runnerkeys issues and validates the long-lived bearer secrets
// runners present when attaching to the broker.
//
// A key is 32 bytes of CSPRNG output, hex-encoded and prefixed with "sv_".
// The plaintext is returned exactly once from Issue and never persisted —
// the database stores an HMAC-SHA256 of it keyed with the broker secret,
// so a stolen database cannot be replayed without the broker secret too.
// Lookup is by recomputed hash, which is why a keyed deterministic hash is
// used instead of a salted password hash.
//
// Local mode short-circuits Authenticate to a fixed shared secret for
// single-user development setups where no key has been issued yet. The flag
// is process-global, mirroring how the rest of local mode behaves.
package runnerkeys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
)

// KeyPrefix is prepended to every issued plaintext key. It makes keys
// recognizable in config files and lets the UI display "sv_1a2b3c4d…"
// without storing the plaintext.
const KeyPrefix = "sv_"

// keyBytes is the entropy of an issued key.
const keyBytes = 32

// ErrUnauthorized is returned by Authenticate for any key that does not
// resolve to an active record. It deliberately carries no detail about
// whether the key is unknown, malformed, or revoked.
var ErrUnauthorized = errors.New("runnerkeys: unauthorized")

// LocalUserID is the synthetic owner of local-mode attachments. All
// local-mode runners and projects belong to this fixed user.
var LocalUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Store issues, authenticates, lists, and revokes runner keys.
type Store struct {
	repo   repositories.RunnerKeyRepository
	logger *zap.Logger

	// hmacSecret keys the hash of every stored key. Rotating it invalidates
	// all issued keys, so it is part of the broker's durable configuration.
	hmacSecret []byte

	// localSecret, when non-empty, enables local mode: any attach presenting
	// exactly this value authenticates as LocalUserID without a key lookup.
	localSecret string
}

// New creates a Store. hmacSecret must be non-empty; localSecret may be
// empty to disable local mode.
func New(repo repositories.RunnerKeyRepository, hmacSecret []byte, localSecret string, logger *zap.Logger) (*Store, error) {
	if len(hmacSecret) == 0 {
		return nil, fmt.Errorf("runnerkeys: hmac secret is required")
	}
	return &Store{
		repo:        repo,
		logger:      logger.Named("runnerkeys"),
		hmacSecret:  hmacSecret,
		localSecret: localSecret,
	}, nil
}

// IssuedKey is the result of Issue. Plaintext is the only copy of the key
// the system will ever produce.
type IssuedKey struct {
	ID        uuid.UUID
	Plaintext string
	Prefix    string
}

// Issue creates a new key for the user and returns the plaintext once.
func (s *Store) Issue(ctx context.Context, userID uuid.UUID, name string) (*IssuedKey, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("runnerkeys: generating key material: %w", err)
	}

	plaintext := KeyPrefix + hex.EncodeToString(raw)
	prefix := plaintext[:len(KeyPrefix)+8]

	key := &db.RunnerKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   s.hash(plaintext),
		KeyPrefix: prefix,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("runner key issued",
		zap.String("key_id", key.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("name", name),
	)

	return &IssuedKey{ID: key.ID, Plaintext: plaintext, Prefix: prefix}, nil
}

// Authenticate resolves a presented plaintext to its key and owning user.
// Local mode is checked first; a real key that happens to equal the local
// secret would be ambiguous, so Issue never produces keys without the sv_
// prefix format and operators are expected to pick an unrelated secret.
func (s *Store) Authenticate(ctx context.Context, plaintext string) (keyID, userID uuid.UUID, err error) {
	if s.localSecret != "" &&
		subtle.ConstantTimeCompare([]byte(plaintext), []byte(s.localSecret)) == 1 {
		return uuid.Nil, LocalUserID, nil
	}

	if plaintext == "" {
		return uuid.Nil, uuid.Nil, ErrUnauthorized
	}

	key, err := s.repo.GetActiveByHash(ctx, s.hash(plaintext))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, uuid.Nil, ErrUnauthorized
		}
		return uuid.Nil, uuid.Nil, err
	}

	// Best effort — a failed timestamp update must not fail the attach.
	if err := s.repo.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update key last_used_at",
			zap.String("key_id", key.ID.String()),
			zap.Error(err),
		)
	}

	return key.ID, key.UserID, nil
}

// List returns the user's keys, newest first. Plaintext is never included.
func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]db.RunnerKey, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Revoke soft-deletes a key owned by the user. Idempotent.
func (s *Store) Revoke(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.repo.Revoke(ctx, userID, id, time.Now().UTC()); err != nil {
		return err
	}
	s.logger.Info("runner key revoked",
		zap.String("key_id", id.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// hash computes the keyed hash stored in and looked up from the database.
func (s *Store) hash(plaintext string) string {
	mac := hmac.New(sha256.New, s.hmacSecret)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
