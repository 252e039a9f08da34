package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

func TestKeyString(t *testing.T) {
	k := Key{AssetID: "ado:2001", Sequence: 3, Locale: "en", FileUUID: "file-aaa", ConfigID: "ocr"}
	assert.Equal(t, "ado:2001:3:en:file-aaa:ocr", k.String())
}

func TestKeyStorageKey(t *testing.T) {
	k := Key{AssetID: "ado:2001", Sequence: 1, Locale: "und", FileUUID: "file-aaa", ConfigID: "ocr"}
	// NATS KV rejects colons in key names
	assert.NotContains(t, k.storageKey(), ":")
	assert.Equal(t, "ado.2001.1.und.file-aaa.ocr", k.storageKey())
}

func TestFresh(t *testing.T) {
	rec := &Record{Checksum: "sha1:0a1b"}
	assert.True(t, Fresh(rec, "sha1:0a1b"))
	assert.False(t, Fresh(rec, "sha1:dead"), "checksum change invalidates")
	assert.False(t, Fresh(nil, "sha1:0a1b"), "never tracked")
	assert.False(t, Fresh(&Record{}, ""), "empty checksums never match")
}

func TestMemStoreTrackLookupUntrack(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	key := Key{AssetID: "ado:1", Sequence: 1, Locale: "und", FileUUID: "file-aaa", ConfigID: "ocr"}

	got, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "lookup before track returns nil record")

	rec := Record{Checksum: "sha1:0a1b", Payload: map[string]any{"fulltext": "hello"}}
	require.NoError(t, store.Track(ctx, key, rec))

	got, err = store.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sha1:0a1b", got.Checksum)
	assert.False(t, got.UpdatedAt.IsZero())

	// Overwrite with a new checksum
	require.NoError(t, store.Track(ctx, key, Record{Checksum: "sha1:0c2d"}))
	got, err = store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "sha1:0c2d", got.Checksum)

	require.NoError(t, store.Untrack(ctx, []Key{key}))
	got, err = store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Untracking missing keys is not an error
	require.NoError(t, store.Untrack(ctx, []Key{key}))
}

func TestTrackRejectsEmptyChecksum(t *testing.T) {
	store := NewMemStore()
	err := store.Track(context.Background(), Key{AssetID: "a"}, Record{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLocaleVariantsAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	base := Key{AssetID: "ado:1", Sequence: 1, FileUUID: "file-aaa", ConfigID: "ocr"}

	en := base
	en.Locale = "en"
	es := base
	es.Locale = "es"

	require.NoError(t, store.Track(ctx, en, Record{Checksum: "sha1:0a1b"}))

	got, err := store.Lookup(ctx, es)
	require.NoError(t, err)
	assert.Nil(t, got, "each locale tracks independently")
	assert.Equal(t, 1, store.Len())
}
