package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testSession(id, owner string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		OwnerUserID:    owner,
		Status:         StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	st := newTestStore(t)
	sess := testSession("sess-1", "alice")

	require.NoError(t, st.CreateSession(sess))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "alice", got.OwnerUserID)
	assert.Equal(t, StatusCreating, got.Status)
	assert.Empty(t, got.SandboxID)
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetSession("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateSession_SecondLiveSessionForOwner(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("sess-1", "alice")))

	err := st.CreateSession(testSession("sess-2", "alice"))
	assert.True(t, errors.Is(err, ErrConflict))

	require.NoError(t, st.CreateSession(testSession("sess-3", "bob")))
}

func TestCreateSession_AfterDestroy(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("sess-1", "alice")))
	require.NoError(t, st.UpdateSessionStatus("sess-1", StatusDestroyed))

	require.NoError(t, st.CreateSession(testSession("sess-2", "alice")))

	live, err := st.GetLiveSessionByOwner("alice")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "sess-2", live.ID)
}

func TestActivateSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("sess-1", "alice")))
	require.NoError(t, st.MarkSessionError("sess-1", "boom"))

	expires := time.Now().Add(time.Hour)
	require.NoError(t, st.ActivateSession("sess-1", "sbx-1", expires))

	got, err := st.GetSessionBySandboxID("sbx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.Error)
	assert.WithinDuration(t, expires, got.ExpiresAt, time.Second)
}

func TestActivateSession_SandboxIDNeverReused(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("sess-1", "alice")))
	require.NoError(t, st.ActivateSession("sess-1", "sbx-1", time.Now().Add(time.Hour)))
	require.NoError(t, st.UpdateSessionStatus("sess-1", StatusDestroyed))

	require.NoError(t, st.CreateSession(testSession("sess-2", "alice")))
	err := st.ActivateSession("sess-2", "sbx-1", time.Now().Add(time.Hour))
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestMarkSessionError(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("sess-1", "alice")))

	require.NoError(t, st.MarkSessionError("sess-1", "image pull failed"))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "image pull failed", got.Error)
}

func TestUpdateSessionActivity(t *testing.T) {
	st := newTestStore(t)
	sess := testSession("sess-1", "alice")
	require.NoError(t, st.CreateSession(sess))

	newExpiry := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, st.UpdateSessionActivity("sess-1", newExpiry))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)
	assert.False(t, got.LastActivityAt.Before(sess.LastActivityAt))
}

func TestUpdateNonexistent(t *testing.T) {
	st := newTestStore(t)

	assert.True(t, errors.Is(st.UpdateSessionStatus("missing", StatusDestroyed), ErrNotFound))
	assert.True(t, errors.Is(st.UpdateSessionActivity("missing", time.Now()), ErrNotFound))
	assert.True(t, errors.Is(st.MarkSessionError("missing", "x"), ErrNotFound))
	assert.True(t, errors.Is(st.ActivateSession("missing", "sbx", time.Now()), ErrNotFound))
}

func TestListExpiredSessions(t *testing.T) {
	st := newTestStore(t)

	expired := testSession("expired", "alice")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateSession(expired))
	require.NoError(t, st.ActivateSession("expired", "sbx-expired", expired.ExpiresAt))

	fresh := testSession("fresh", "bob")
	require.NoError(t, st.CreateSession(fresh))
	require.NoError(t, st.ActivateSession("fresh", "sbx-fresh", time.Now().Add(time.Hour)))

	gone := testSession("gone", "carol")
	gone.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateSession(gone))
	require.NoError(t, st.UpdateSessionStatus("gone", StatusDestroyed))

	list, err := st.ListExpiredSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "expired", list[0].ID)
}

func TestListActiveSessions(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("a", "alice")))
	require.NoError(t, st.ActivateSession("a", "sbx-a", time.Now().Add(time.Hour)))
	require.NoError(t, st.CreateSession(testSession("b", "bob")))

	list, err := st.ListActiveSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	all, err := st.ListSessions()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetSessionBySandboxID_Empty(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSession(testSession("a", "alice")))

	got, err := st.GetSessionBySandboxID("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIsBusyLock(t *testing.T) {
	assert.False(t, isBusyLock(nil))
	assert.True(t, isBusyLock(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusyLock(errors.New("no such table")))
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
