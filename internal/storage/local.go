package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pixshift/internal/apperr"
)

// LocalStore keeps objects under a root directory. Signed URLs point at PublicURL and
// carry an expiry plus an HMAC so the API can serve them.
type LocalStore struct {
	root       string
	publicURL  string
	signingKey []byte
	now        func() time.Time
}

func NewLocalStore(root, publicURL, signingKey string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}
	for _, dir := range []Category{CategoryUpload, CategoryTransformation} {
		if err := os.MkdirAll(filepath.Join(abs, string(dir)), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &LocalStore{
		root:       abs,
		publicURL:  strings.TrimRight(publicURL, "/"),
		signingKey: []byte(signingKey),
		now:        time.Now,
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte, ownerID string, category Category, id, contentType string) (*Object, error) {
	if err := validateSegment(ownerID); err != nil {
		return nil, err
	}
	if err := validateSegment(id); err != nil {
		return nil, err
	}
	key := Key(category, ownerID, id, contentType)
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("ensure dir for %s: %w", key, err))
	}
	// Write to a temp file and rename so readers never observe a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("create temp for %s: %w", key, err))
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("write %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("close %s: %w", key, err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("rename %s: %w", key, err))
	}
	return &Object{Key: key, URL: s.objectURL(key), ContentType: ContentType(key), Size: int64(len(data))}, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("read %s: %w", key, err))
	}
	return b, nil
}

func (s *LocalStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.objectURL(key) + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (s *LocalStore) Verify(key, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(s.sign(key, exp)), []byte(sig))
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperr.Transient("storage_unavailable", fmt.Errorf("stat %s: %w", key, err))
	}
	return true, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Transient("storage_unavailable", fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// ExtractKey accepts a raw key, a URL under PublicURL (signed or not), or a path under the root.
func (s *LocalStore) ExtractKey(ref string) (string, bool) {
	key := ref
	switch {
	case s.publicURL != "" && strings.HasPrefix(ref, s.publicURL+"/"):
		key = strings.TrimPrefix(ref, s.publicURL+"/")
		if i := strings.IndexByte(key, '?'); i >= 0 {
			key = key[:i]
		}
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return "", false
		}
		key = unescaped
	case strings.HasPrefix(ref, "file://"):
		key = strings.TrimPrefix(strings.TrimPrefix(ref, "file://"), s.root+string(filepath.Separator))
	case strings.HasPrefix(ref, s.root+string(filepath.Separator)):
		key = filepath.ToSlash(strings.TrimPrefix(ref, s.root+string(filepath.Separator)))
	}
	if validateKey(key) != nil || !hasCategory(key) {
		return "", false
	}
	return key, true
}

func (s *LocalStore) objectURL(key string) string {
	if s.publicURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.Join(s.root, filepath.FromSlash(key))}).String()
	}
	return s.publicURL + "/" + key
}

func hasCategory(key string) bool {
	return strings.HasPrefix(key, string(CategoryUpload)+"/") || strings.HasPrefix(key, string(CategoryTransformation)+"/")
}
