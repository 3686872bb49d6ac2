package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	key := ObjectKey("user-1", "../../etc/Lecture.pdf")
	assert.True(t, strings.HasPrefix(key, "user-1/"))
	assert.True(t, strings.HasSuffix(key, "_Lecture.pdf"))
	assert.NotContains(t, key, "..")

	assert.True(t, strings.HasPrefix(ObjectKey("", "a.pdf"), "anonymous/"))
}

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "owner/doc.pdf", []byte("payload")))
	rc, err := store.Open(ctx, "owner/doc.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Remove(ctx, "owner/doc.pdf"))
	require.NoError(t, store.Remove(ctx, "owner/doc.pdf"))

	_, err = store.Open(ctx, "owner/doc.pdf")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDiskStoreStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	target, err := store.resolve("../../outside.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target, store.root))

	_, err = store.resolve("")
	assert.Error(t, err)
}
