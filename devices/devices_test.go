package devices_test

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/devices"
)

func TestDeviceLifecycle(t *testing.T) {
	store := devices.NewMemStore()
	ctx := context.Background()
	settings := json.RawMessage(`{"copy": true}`)

	require.NoError(t, store.InsertDevice(ctx, "d1", "u1", []byte("cert-1"), settings))
	require.NoError(t, store.InsertDevice(ctx, "d2", "u1", []byte("cert-2"), settings))
	require.NoError(t, store.InsertDevice(ctx, "d3", "u2", []byte("cert-3"), settings))

	err := store.InsertDevice(ctx, "d1", "u1", []byte("cert-1"), settings)
	assert.True(t, apierror.HasCode(err, apierror.CodeConflict))

	list, err := store.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d1", list[0].DeviceID)
	assert.Equal(t, "d2", list[1].DeviceID)

	cert, err := store.GetDeviceCert(ctx, "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-1"), cert)

	// not the owner
	_, err = store.GetDeviceCert(ctx, "d3", "u1")
	assert.True(t, apierror.HasCode(err, apierror.CodeAuthorization))

	// truly absent
	_, err = store.GetDeviceCert(ctx, "nope", "u1")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	require.NoError(t, store.DeleteDevice(ctx, "d1", "u1"))
	list, err = store.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "d2", list[0].DeviceID)

	err = store.DeleteDevice(ctx, "d1", "u1")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))
}

func TestUpdateSettings(t *testing.T) {
	store := devices.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.InsertDevice(ctx, "d1", "u1", []byte("cert"), json.RawMessage(`{"copy": true}`)))

	updated := json.RawMessage(`{"copy": false, "muted": true}`)
	require.NoError(t, store.UpdateSettings(ctx, "d1", "u1", updated))

	list, err := store.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, string(updated), string(list[0].Settings))

	err = store.UpdateSettings(ctx, "d1", "u2", updated)
	assert.True(t, apierror.HasCode(err, apierror.CodeAuthorization))

	err = store.UpdateSettings(ctx, "nope", "u1", updated)
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))
}

func TestDeleteDeviceNotOwner(t *testing.T) {
	store := devices.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.InsertDevice(ctx, "d1", "u1", []byte("cert"), json.RawMessage(`{}`)))

	err := store.DeleteDevice(ctx, "d1", "u2")
	assert.True(t, apierror.HasCode(err, apierror.CodeAuthorization))

	// the owner can still see and remove it
	_, err = store.GetDeviceCert(ctx, "d1", "u1")
	require.NoError(t, err)
	require.NoError(t, store.DeleteDevice(ctx, "d1", "u1"))
}

func TestGroupKey(t *testing.T) {
	store := devices.NewMemStore()
	ctx := context.Background()

	_, err := store.GetGroupKey(ctx, "u1")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	require.NoError(t, store.CreateGroupKey(ctx, "u1", []byte("key-material")))
	err = store.CreateGroupKey(ctx, "u1", []byte("other"))
	assert.True(t, apierror.HasCode(err, apierror.CodeConflict))

	key, err := store.GetGroupKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), key)
}

func TestDeleteUserCascades(t *testing.T) {
	store := devices.NewMemStore()
	ctx := context.Background()
	settings := json.RawMessage(`{}`)

	require.NoError(t, store.CreateGroupKey(ctx, "u1", []byte("key")))
	require.NoError(t, store.InsertDevice(ctx, "d1", "u1", []byte("cert"), settings))
	require.NoError(t, store.InsertDevice(ctx, "d2", "u2", []byte("cert"), settings))

	require.NoError(t, store.DeleteUser(ctx, "u1"))

	list, err := store.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = store.GetGroupKey(ctx, "u1")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	// other users are untouched
	list, err = store.ListDevices(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
