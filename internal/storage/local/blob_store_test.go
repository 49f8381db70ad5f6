package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinfairy/mediafetch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "artifacts")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "plainfile")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: f})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(),
		"batches/caller-1/batch.zip", "application/zip",
		bytes.NewReader([]byte("zip-bytes")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(base, "batches", "caller-1", "batch.zip"))
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)
}

func TestPutObjectRejectsEscape(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(),
		"../outside.zip", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
