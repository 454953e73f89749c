package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

var (
	// ErrInvalidSignature is returned when a presigned URL does not verify
	ErrInvalidSignature = errors.New("invalid object signature")
	// ErrExpired is returned when a presigned URL is past its expiry
	ErrExpired = errors.New("presigned url expired")
	// ErrObjectNotFound is returned for unknown buckets or keys
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys escaping the bucket
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectStoreConfig contains object store configuration
type ObjectStoreConfig struct {
	Dir        string
	Bucket     string
	PublicURL  string
	SigningKey string
	KeyPath    string // generated signing keys are kept here when SigningKey is empty
	Expiry     time.Duration
}

// ObjectStore keeps uploaded snapshots in a local bucket directory and hands
// out time-limited signed URLs for them
type ObjectStore struct {
	logger    *logger.Logger
	root      string
	bucket    string
	publicURL string
	expiry    time.Duration
	key       []byte
	now       func() time.Time
	mu        sync.RWMutex
}

// NewObjectStore creates the bucket directory and loads the signing key
func NewObjectStore(cfg ObjectStoreConfig, log *logger.Logger) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}

	root := filepath.Join(cfg.Dir, cfg.Bucket)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}

	key, err := loadOrGenerateKey(cfg.SigningKey, cfg.KeyPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	log.Info("Object store initialized",
		"bucket", cfg.Bucket,
		"dir", root,
		"url_expiry", cfg.Expiry,
	)

	return &ObjectStore{
		logger:    log,
		root:      root,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		expiry:    cfg.Expiry,
		key:       key,
		now:       time.Now,
	}, nil
}

func loadOrGenerateKey(configured, keyPath string, log *logger.Logger) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}

	if keyPath != "" {
		if data, err := os.ReadFile(keyPath); err == nil {
			key, err := hex.DecodeString(strings.TrimSpace(string(data)))
			if err != nil {
				return nil, fmt.Errorf("failed to decode key file: %w", err)
			}
			return key, nil
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if keyPath == "" {
		log.Warn("Using an ephemeral signing key, presigned URLs will not survive a restart")
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key file: %w", err)
	}
	log.Info("Generated object signing key", "path", keyPath)
	return key, nil
}

// Bucket returns the bucket name
func (s *ObjectStore) Bucket() string {
	return s.bucket
}

// Dir returns the bucket directory
func (s *ObjectStore) Dir() string {
	return s.root
}

// NewObjectKey returns a collision-free key for a snapshot filename
func NewObjectKey(filename string) string {
	return uuid.NewString() + "_" + path.Base(filename)
}

// Upload writes data under key and returns a presigned URL for it
func (s *ObjectStore) Upload(ctx context.Context, data []byte, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key = strings.TrimPrefix(key, "/")
	p, err := s.objectPath(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	s.logger.Debug("Object uploaded", "bucket", s.bucket, "key", key, "bytes", len(data))
	return s.PresignURL(key), nil
}

// PresignURL returns a URL for key valid for the configured expiry
func (s *ObjectStore) PresignURL(key string) string {
	expires := s.now().Add(s.expiry).Unix()

	u, err := url.Parse(s.publicURL)
	if err != nil {
		u = &url.URL{}
	}
	u.Path = path.Join(u.Path, "objects", s.bucket, key)
	u.RawQuery = url.Values{
		"expires":   {strconv.FormatInt(expires, 10)},
		"signature": {s.sign(key, expires)},
	}.Encode()
	return u.String()
}

func (s *ObjectStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s/%s\n%d", s.bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presigned request for bucket and key
func (s *ObjectStore) Verify(bucket, key, expires, signature string) error {
	key = strings.TrimPrefix(key, "/")
	if bucket != s.bucket {
		return ErrObjectNotFound
	}

	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.sign(key, exp))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

// Open verifies a presigned request and opens the object for reading
func (s *ObjectStore) Open(bucket, key, expires, signature string) (*os.File, error) {
	if err := s.Verify(bucket, key, expires, signature); err != nil {
		return nil, err
	}

	p, err := s.objectPath(key)
	if err != nil {
		return nil, ErrObjectNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// Delete removes an object; missing objects are not an error
func (s *ObjectStore) Delete(key string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// RemoveOlderThan deletes objects last modified before cutoff and returns
// how many were removed
func (s *ObjectStore) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to delete expired object", "path", p, "error", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to walk bucket: %w", err)
	}
	return removed, nil
}

// ObjectStats summarizes bucket contents
type ObjectStats struct {
	Objects int   `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Stats counts objects and bytes in the bucket
func (s *ObjectStore) Stats() (ObjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats ObjectStats
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, err := d.Info(); err == nil {
			stats.Objects++
			stats.Bytes += info.Size()
		}
		return nil
	})
	return stats, err
}

func (s *ObjectStore) objectPath(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.HasPrefix(path.Base(key), ".") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
