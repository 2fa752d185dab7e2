package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-sdk/internal/model"
)

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	stores := map[string]Store{
		"memory": NewMemory(),
	}

	fileStore, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	stores["file"] = fileStore

	sqliteStore, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	stores["sqlite"] = sqliteStore

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, KeyFingerprint)
			assert.True(t, errors.Is(err, model.ErrNotFound), "missing key should be ErrNotFound, got %v", err)

			require.NoError(t, s.Set(ctx, KeyFingerprint, []byte("fp_abc")))
			got, err := s.Get(ctx, KeyFingerprint)
			require.NoError(t, err)
			assert.Equal(t, []byte("fp_abc"), got)

			require.NoError(t, s.Set(ctx, KeyFingerprint, []byte("fp_def")))
			got, err = s.Get(ctx, KeyFingerprint)
			require.NoError(t, err)
			assert.Equal(t, []byte("fp_def"), got, "set should overwrite")

			require.NoError(t, s.Delete(ctx, KeyFingerprint))
			_, err = s.Get(ctx, KeyFingerprint)
			assert.True(t, errors.Is(err, model.ErrNotFound))

			// Deleting an absent key is not an error.
			assert.NoError(t, s.Delete(ctx, "loyalty.unknown"))
		})
	}

	for _, s := range stores {
		assert.NoError(t, s.Close())
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	first, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, KeyIdentity, []byte(`{"userId":"u1"}`)))
	require.NoError(t, first.Close())

	second, err := NewFile(path)
	require.NoError(t, err)
	got, err := second.Get(ctx, KeyIdentity)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1"}`, string(got))
}

func TestFileToleratesCorruptState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyTokens, []byte("tok")))

	// Clobber the file with garbage; the store starts fresh instead of failing.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err = s.Get(ctx, KeyTokens)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, s.Set(ctx, KeyTokens, []byte("tok2")))
}
