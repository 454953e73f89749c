package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

func setupTestObjectStore(t *testing.T) *ObjectStore {
	t.Helper()

	store, err := NewObjectStore(ObjectStoreConfig{
		Dir:        t.TempDir(),
		Bucket:     "computer-vision-analysis",
		PublicURL:  "http://localhost:8080/",
		SigningKey: "test-key",
		Expiry:     time.Hour,
	}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create object store: %v", err)
	}
	return store
}

func parsePresigned(t *testing.T, raw string) (bucket, key, expires, signature string) {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Invalid URL %q: %v", raw, err)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/objects/"), "/", 2)
	if len(parts) != 2 {
		t.Fatalf("Unexpected object path %s", u.Path)
	}
	return parts[0], parts[1], u.Query().Get("expires"), u.Query().Get("signature")
}

func TestObjectStore_UploadAndOpen(t *testing.T) {
	store := setupTestObjectStore(t)
	data := []byte("jpeg bytes")

	raw, err := store.Upload(context.Background(), data, "motion_20260101_120000.jpg")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(raw, "http://localhost:8080/objects/computer-vision-analysis/motion_20260101_120000.jpg?") {
		t.Errorf("Unexpected URL %s", raw)
	}

	bucket, key, expires, sig := parsePresigned(t, raw)
	f, err := store.Open(bucket, key, expires, sig)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	got, _ := io.ReadAll(f)
	if string(got) != string(data) {
		t.Errorf("Expected %q, got %q", data, got)
	}
}

func TestObjectStore_Verify(t *testing.T) {
	store := setupTestObjectStore(t)
	raw, err := store.Upload(context.Background(), []byte("x"), "a.jpg")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	bucket, key, expires, sig := parsePresigned(t, raw)

	if err := store.Verify(bucket, key, expires, sig); err != nil {
		t.Errorf("Valid signature rejected: %v", err)
	}
	if err := store.Verify(bucket, "/"+key, expires, sig); err != nil {
		t.Errorf("Leading slash should be ignored: %v", err)
	}
	if err := store.Verify(bucket, "b.jpg", expires, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for other key, got %v", err)
	}
	if err := store.Verify(bucket, key, expires+"0", sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for tampered expiry, got %v", err)
	}
	if err := store.Verify(bucket, key, expires, "zz"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for bad hex, got %v", err)
	}
	if err := store.Verify("other", key, expires, sig); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Expected ErrObjectNotFound for other bucket, got %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := store.Verify(bucket, key, expires, sig); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestObjectStore_RejectsEscapingKeys(t *testing.T) {
	store := setupTestObjectStore(t)

	for _, key := range []string{"", "../x.jpg", "a/../../x.jpg", ".hidden"} {
		if _, err := store.Upload(context.Background(), []byte("x"), key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestObjectStore_Open_Missing(t *testing.T) {
	store := setupTestObjectStore(t)
	raw := store.PresignURL("missing.jpg")
	bucket, key, expires, sig := parsePresigned(t, raw)

	if _, err := store.Open(bucket, key, expires, sig); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Expected ErrObjectNotFound, got %v", err)
	}
}

func TestObjectStore_RemoveOlderThanAndStats(t *testing.T) {
	store := setupTestObjectStore(t)
	ctx := context.Background()

	store.Upload(ctx, []byte("old"), "old.jpg")
	store.Upload(ctx, []byte("new!"), "new.jpg")

	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(store.Dir(), "old.jpg"), past, past); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Objects != 2 || stats.Bytes != 7 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	n, err := store.RemoveOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RemoveOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 removed object, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "new.jpg")); err != nil {
		t.Errorf("New object should remain: %v", err)
	}
}

func TestObjectStore_Delete(t *testing.T) {
	store := setupTestObjectStore(t)
	store.Upload(context.Background(), []byte("x"), "a.jpg")

	if err := store.Delete("a.jpg"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete("a.jpg"); err != nil {
		t.Errorf("Deleting a missing object should not fail: %v", err)
	}
}

func TestObjectStore_GeneratedKeyPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := ObjectStoreConfig{
		Dir:       dir,
		Bucket:    "b",
		PublicURL: "http://localhost",
		KeyPath:   filepath.Join(dir, "keys", "signing.key"),
	}

	first, err := NewObjectStore(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewObjectStore failed: %v", err)
	}
	raw := first.PresignURL("a.jpg")

	second, err := NewObjectStore(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewObjectStore failed: %v", err)
	}
	bucket, key, expires, sig := parsePresigned(t, raw)
	if err := second.Verify(bucket, key, expires, sig); err != nil {
		t.Errorf("URL should verify after reload: %v", err)
	}
}

func TestNewObjectKey(t *testing.T) {
	a := NewObjectKey("dir/motion.jpg")
	b := NewObjectKey("motion.jpg")

	if a == b {
		t.Error("Keys should be unique")
	}
	if !strings.HasSuffix(a, "_motion.jpg") || strings.Contains(a, "/") {
		t.Errorf("Unexpected key %s", a)
	}
}
