package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pixshift/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080/v1/images", "signing-secret")
	require.NoError(t, err)
	return s
}

func TestKeyDerivation(t *testing.T) {
	cases := []struct {
		category    Category
		contentType string
		want        string
	}{
		{CategoryUpload, "image/jpeg", "uploads/u1/img1.jpg"},
		{CategoryUpload, "image/png", "uploads/u1/img1.png"},
		{CategoryTransformation, "image/webp", "transformations/u1/img1.webp"},
		{CategoryTransformation, "image/png; charset=binary", "transformations/u1/img1.png"},
		{CategoryTransformation, "application/octet-stream", "transformations/u1/img1.jpg"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Key(tc.category, "u1", "img1", tc.contentType))
		})
	}
	assert.ElementsMatch(t,
		[]string{"transformations/u1/t1.jpg", "transformations/u1/t1.png", "transformations/u1/t1.webp"},
		CandidateKeys(CategoryTransformation, "u1", "t1"))
	assert.True(t, OwnedBy("uploads/u1/a.jpg", CategoryUpload, "u1"))
	assert.False(t, OwnedBy("uploads/u10/a.jpg", CategoryUpload, "u1"))
}

func TestLocalPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	obj, err := s.Put(ctx, []byte("bytes"), "u1", CategoryUpload, "img1", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u1/img1.png", obj.Key)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.EqualValues(t, 5, obj.Size)

	ok, err := s.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := s.Get(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(b))

	require.NoError(t, s.Delete(ctx, obj.Key))
	ok, err = s.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	require.NoError(t, s.Delete(ctx, obj.Key))

	_, err = s.Get(ctx, obj.Key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.True(t, apperr.IsNotFound(err))
}

func TestLocalPutLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	_, err := s.Put(ctx, []byte("a"), "u1", CategoryTransformation, "t1", "image/jpeg")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.root, "transformations", "u1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1.jpg", entries[0].Name())
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	for _, key := range []string{"../etc/passwd", "/abs/path", "uploads//x", "uploads/../../x", ""} {
		t.Run(key, func(t *testing.T) {
			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.ErrorIs(t, s.Delete(ctx, key), ErrInvalidKey)
		})
	}
	_, err := s.Put(ctx, []byte("x"), "../u1", CategoryUpload, "id", "image/png")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLocalSignedURL(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	raw, err := s.SignedURL(ctx, "transformations/u1/t1.png", time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "http://localhost:8080/v1/images/transformations/u1/t1.png?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "1700003600", q.Get("expires"))
	assert.True(t, s.Verify("transformations/u1/t1.png", q.Get("expires"), q.Get("sig")))
	assert.False(t, s.Verify("transformations/u1/other.png", q.Get("expires"), q.Get("sig")))

	now = now.Add(2 * time.Hour)
	assert.False(t, s.Verify("transformations/u1/t1.png", q.Get("expires"), q.Get("sig")))
}

func TestLocalExtractKey(t *testing.T) {
	s := newLocal(t)
	cases := []struct {
		ref  string
		want string
		ok   bool
	}{
		{"uploads/u1/a.jpg", "uploads/u1/a.jpg", true},
		{"http://localhost:8080/v1/images/uploads/u1/a.jpg", "uploads/u1/a.jpg", true},
		{"http://localhost:8080/v1/images/transformations/u1/t.png?expires=1&sig=x", "transformations/u1/t.png", true},
		{filepath.Join(s.root, "uploads", "u1", "a.jpg"), "uploads/u1/a.jpg", true},
		{"file://" + filepath.Join(s.root, "uploads", "u1", "a.jpg"), "uploads/u1/a.jpg", true},
		{"https://elsewhere.example/uploads/u1/a.jpg", "", false},
		{"other/u1/a.jpg", "", false},
		{"uploads/../a.jpg", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			got, ok := s.ExtractKey(tc.ref)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
