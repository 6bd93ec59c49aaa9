package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Read(ctx, testMPRN)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Write(ctx, testMPRN, []byte("one")))
	data, err := b.Read(ctx, testMPRN)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	require.NoError(t, b.Write(ctx, testMPRN, []byte("two")))
	data, err = b.Read(ctx, testMPRN)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	require.NoError(t, b.Delete(ctx, testMPRN))
	_, err = b.Read(ctx, testMPRN)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFileBackend(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	testBackend(t, fb)

	t.Run("permissions and no temp files", func(t *testing.T) {
		require.NoError(t, fb.Write(context.Background(), testMPRN, []byte("x")))
		info, err := os.Stat(fb.path(testMPRN))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		entries, err := os.ReadDir(fb.dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "session_"+testMPRN+".json", entries[0].Name())
	})

	t.Run("delete missing", func(t *testing.T) {
		assert.ErrorIs(t, fb.Delete(context.Background(), "10000000000"), ErrNotFound)
	})

	_, err = NewFileBackend("")
	assert.Error(t, err)
}

func TestFirestoreBackend(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	f := &FirestoreBackend{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}
	require.NoError(t, f.Init(context.Background()))
	defer f.Close()

	ctx := context.Background()
	_, err := f.Read(ctx, testMPRN)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Write(ctx, testMPRN, []byte("one")))
	data, err := f.Read(ctx, testMPRN)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	require.NoError(t, f.Delete(ctx, testMPRN))
	_, err = f.Read(ctx, testMPRN)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("ESBMETER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("ESBMETER_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pb, err := NewPostgresBackend(ctx, url)
	require.NoError(t, err)
	defer pb.Close()

	_ = pb.Delete(ctx, testMPRN)
	testBackend(t, pb)
}
