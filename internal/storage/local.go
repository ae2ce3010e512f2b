package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStorage writes objects below basePath and signs download links with HMAC.
type LocalStorage struct {
	basePath  string
	publicURL string
	secret    []byte
	now       func() time.Time
}

func NewLocalStorage(basePath, publicURL, secret string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    []byte(secret),
		now:       time.Now,
	}, nil
}

// resolve maps key to a path inside basePath, rejecting traversal.
func (ls *LocalStorage) resolve(key string) (string, error) {
	absBasePath, err := filepath.Abs(ls.basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absFullPath, err := filepath.Abs(filepath.Join(ls.basePath, key))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}

	if absFullPath != absBasePath && !strings.HasPrefix(absFullPath, absBasePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return absFullPath, nil
}

func (ls *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	// Write then rename so readers never see a partial file.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	return key, nil
}

func (ls *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (ls *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SignedURL returns <publicURL>/files/<key>?expires=<unix>&signature=<hmac>.
func (ls *LocalStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := ls.resolve(key); err != nil {
		return "", err
	}
	expires := ls.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", ls.sign(key, expires))
	return fmt.Sprintf("%s/files/%s?%s", ls.publicURL, key, q.Encode()), nil
}

// VerifySignature checks a link produced by SignedURL.
func (ls *LocalStorage) VerifySignature(key, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || ls.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(ls.sign(key, exp)), []byte(signature))
}

func (ls *LocalStorage) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, ls.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
