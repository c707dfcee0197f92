package push

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbrealtime/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(t.TempDir() + "/push.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.RunMigrations())
	return NewStore(database)
}

func testDevice(id string) *DeviceDetails {
	return &DeviceDetails{
		ID:         id,
		ClientID:   "alice",
		Platform:   "android",
		FormFactor: "phone",
		Tokens:     Tokens{Default: "tok-1"},
	}
}

func TestStoreRegisterAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := s.Register(ctx, testDevice("dev-1"), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.ID)
	assert.Equal(t, "alice", d.ClientID)
	assert.Equal(t, "tok-1", d.Tokens.Default)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestStoreReRegisterRequiresSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Register(ctx, testDevice("dev-1"), "s3cret")
	require.NoError(t, err)

	update := testDevice("dev-1")
	update.Tokens.Default = "tok-2"
	_, err = s.Register(ctx, update, "wrong")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	d, err := s.Register(ctx, update, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", d.Tokens.Default)
}

func TestStoreVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, testDevice("dev-1"), "s3cret")
	require.NoError(t, err)

	assert.NoError(t, s.Verify(ctx, "dev-1", "s3cret"))
	assert.ErrorIs(t, s.Verify(ctx, "dev-1", "nope"), ErrInvalidSecret)
	assert.ErrorIs(t, s.Verify(ctx, "dev-2", "s3cret"), ErrDeviceNotFound)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, testDevice("dev-1"), "s3cret")
	require.NoError(t, err)
	_, err = s.RecordNotification(ctx, "dev-1", "hello", "world")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "dev-1"))
	_, err = s.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "dev-1"), ErrDeviceNotFound)

	ns, err := s.Notifications(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestStoreNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, testDevice("dev-1"), "s3cret")
	require.NoError(t, err)

	first, err := s.RecordNotification(ctx, "dev-1", "one", "1")
	require.NoError(t, err)
	_, err = s.RecordNotification(ctx, "dev-1", "two", "2")
	require.NoError(t, err)

	ns, err := s.Notifications(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, first.ID, ns[0].ID)
	assert.Equal(t, "one", ns[0].Title)
	assert.Equal(t, "two", ns[1].Title)
}

func TestStoreNotificationForUnknownDevice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordNotification(context.Background(), "missing", "t", "b")
	assert.Error(t, err)
}
