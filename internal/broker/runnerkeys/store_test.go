package runnerkeys

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
)

// fakeKeyRepo is an in-memory RunnerKeyRepository for store tests.
type fakeKeyRepo struct {
	keys map[uuid.UUID]*db.RunnerKey
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: make(map[uuid.UUID]*db.RunnerKey)}
}

func (f *fakeKeyRepo) Create(_ context.Context, key *db.RunnerKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.Must(uuid.NewV7())
	}
	key.CreatedAt = time.Now().UTC()
	cp := *key
	f.keys[key.ID] = &cp
	return nil
}

func (f *fakeKeyRepo) GetByID(_ context.Context, id uuid.UUID) (*db.RunnerKey, error) {
	key, ok := f.keys[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (f *fakeKeyRepo) GetActiveByHash(_ context.Context, hash string) (*db.RunnerKey, error) {
	for _, key := range f.keys {
		if key.KeyHash == hash && key.RevokedAt == nil {
			cp := *key
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeKeyRepo) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	key, ok := f.keys[id]
	if !ok {
		return repositories.ErrNotFound
	}
	key.LastUsedAt = &at
	return nil
}

func (f *fakeKeyRepo) Revoke(_ context.Context, userID, id uuid.UUID, at time.Time) error {
	key, ok := f.keys[id]
	if !ok || key.UserID != userID {
		return repositories.ErrNotFound
	}
	if key.RevokedAt == nil {
		key.RevokedAt = &at
	}
	return nil
}

func (f *fakeKeyRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]db.RunnerKey, error) {
	var out []db.RunnerKey
	for _, key := range f.keys {
		if key.UserID == userID {
			out = append(out, *key)
		}
	}
	return out, nil
}

func newTestStore(t *testing.T, localSecret string) (*Store, *fakeKeyRepo) {
	t.Helper()
	repo := newFakeKeyRepo()
	store, err := New(repo, []byte("test-hmac-secret"), localSecret, zap.NewNop())
	require.NoError(t, err)
	return store, repo
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(newFakeKeyRepo(), nil, "", zap.NewNop())
	require.Error(t, err)
}

func TestIssueFormat(t *testing.T) {
	store, repo := newTestStore(t, "")
	userID := uuid.Must(uuid.NewV7())

	issued, err := store.Issue(context.Background(), userID, "laptop")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Plaintext, "sv_"))
	// 3-char prefix + 32 bytes hex-encoded.
	assert.Len(t, issued.Plaintext, 3+64)
	assert.Equal(t, issued.Plaintext[:11], issued.Prefix)

	// The plaintext must never be stored.
	stored, err := repo.GetByID(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Plaintext, stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, "sv_")
	assert.Equal(t, issued.Prefix, stored.KeyPrefix)
}

func TestIssueKeysAreUnique(t *testing.T) {
	store, _ := newTestStore(t, "")
	userID := uuid.Must(uuid.NewV7())

	a, err := store.Issue(context.Background(), userID, "a")
	require.NoError(t, err)
	b, err := store.Issue(context.Background(), userID, "b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Plaintext, b.Plaintext)
}

func TestAuthenticate(t *testing.T) {
	store, repo := newTestStore(t, "")
	userID := uuid.Must(uuid.NewV7())

	issued, err := store.Issue(context.Background(), userID, "laptop")
	require.NoError(t, err)

	keyID, authedUser, err := store.Authenticate(context.Background(), issued.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, keyID)
	assert.Equal(t, userID, authedUser)

	// Successful auth stamps last_used_at.
	stored, err := repo.GetByID(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	store, _ := newTestStore(t, "")

	_, _, err := store.Authenticate(context.Background(), "sv_deadbeef")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = store.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRevokedKey(t *testing.T) {
	store, _ := newTestStore(t, "")
	userID := uuid.Must(uuid.NewV7())

	issued, err := store.Issue(context.Background(), userID, "laptop")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(context.Background(), userID, issued.ID))

	_, _, err = store.Authenticate(context.Background(), issued.Plaintext)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateLocalMode(t *testing.T) {
	store, _ := newTestStore(t, "local-dev-secret")

	keyID, userID, err := store.Authenticate(context.Background(), "local-dev-secret")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, keyID)
	assert.Equal(t, LocalUserID, userID)

	// Anything else still goes through the key store.
	_, _, err = store.Authenticate(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevokeIdempotent(t *testing.T) {
	store, _ := newTestStore(t, "")
	userID := uuid.Must(uuid.NewV7())

	issued, err := store.Issue(context.Background(), userID, "laptop")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(context.Background(), userID, issued.ID))
	require.NoError(t, store.Revoke(context.Background(), userID, issued.ID))
}

func TestRevokeOwnership(t *testing.T) {
	store, _ := newTestStore(t, "")
	owner := uuid.Must(uuid.NewV7())
	other := uuid.Must(uuid.NewV7())

	issued, err := store.Issue(context.Background(), owner, "laptop")
	require.NoError(t, err)

	err = store.Revoke(context.Background(), other, issued.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	// Still authenticates — the foreign revoke must not have landed.
	_, _, err = store.Authenticate(context.Background(), issued.Plaintext)
	require.NoError(t, err)
}
