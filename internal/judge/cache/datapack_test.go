package cache

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	commonCache "arbiter/internal/common/cache"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/model"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (f *fakeStore) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) PutObject(ctx context.Context, bucket, key string, r storage.ObjectReader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, os.ErrNotExist
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func buildPack(t *testing.T, manifest model.ProblemManifest, files map[string]string) []byte {
	t.Helper()

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)

	writeEntry := func(name string, data []byte) {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	writeEntry(manifestName, manifestData)
	for name, content := range files {
		writeEntry(name, []byte(content))
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func testManifest(problemID string) model.ProblemManifest {
	return model.ProblemManifest{
		ProblemID:     problemID,
		Version:       "1",
		TimeLimitMs:   1000,
		MemoryLimitMB: 256,
		Tests: []model.TestCaseRef{
			{ID: "1", InputFile: "tests/1.in", AnswerFile: "tests/1.ans", Score: 100},
		},
	}
}

func TestPackCacheGetExtractsPack(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"packs/p-1/1.tar.zst": buildPack(t, testManifest("p-1"), map[string]string{
			"tests/1.in":  "1 2\n",
			"tests/1.ans": "3\n",
		}),
	}}
	cache, err := NewPackCache(store, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}

	pack, err := cache.Get(context.Background(), "p-1", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pack.Manifest.ProblemID != "p-1" {
		t.Fatalf("manifest problem = %s, want p-1", pack.Manifest.ProblemID)
	}
	data, err := os.ReadFile(pack.TestPath("tests/1.ans"))
	if err != nil {
		t.Fatalf("read extracted test: %v", err)
	}
	if string(data) != "3\n" {
		t.Fatalf("extracted answer = %q", data)
	}
}

func TestPackCacheReusesDownload(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"packs/p-1/1.tar.zst": buildPack(t, testManifest("p-1"), map[string]string{"tests/1.in": "", "tests/1.ans": ""}),
	}}
	cache, err := NewPackCache(store, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}

	if _, err := cache.Get(context.Background(), "p-1", "1"); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := cache.Get(context.Background(), "p-1", "1"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if store.gets != 1 {
		t.Fatalf("downloads = %d, want 1", store.gets)
	}
}

func TestPackCacheInvalidate(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"packs/p-1/1.tar.zst": buildPack(t, testManifest("p-1"), map[string]string{"tests/1.in": "", "tests/1.ans": ""}),
	}}
	cache, err := NewPackCache(store, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}

	pack, err := cache.Get(context.Background(), "p-1", "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Invalidate("p-1", "1")
	if _, statErr := os.Stat(pack.Dir); !os.IsNotExist(statErr) {
		t.Fatalf("pack dir survived invalidation")
	}
	if _, err := cache.Get(context.Background(), "p-1", "1"); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if store.gets != 2 {
		t.Fatalf("downloads = %d, want 2", store.gets)
	}
}

func TestPackCacheRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	hdr := &tar.Header{Name: "../evil", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	tw.Close()
	zw.Close()

	store := &fakeStore{objects: map[string][]byte{"packs/p-1/1.tar.zst": buf.Bytes()}}
	cache, err := NewPackCache(store, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}
	if _, err := cache.Get(context.Background(), "p-1", "1"); err == nil {
		t.Fatalf("Get() accepted pack with escaping entry")
	}
}

func TestPackCacheStaleEntryDirRemoved(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"packs/p-1/1.tar.zst": buildPack(t, testManifest("p-1"), map[string]string{"tests/1.in": "", "tests/1.ans": ""}),
	}}
	cache, err := NewPackCache(store, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}

	first, err := cache.Get(context.Background(), "p-1", "1")
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	second, err := cache.Get(context.Background(), "p-1", "1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if store.gets != 2 {
		t.Fatalf("downloads = %d, want 2 (stale entry rebuilt)", store.gets)
	}
	if _, statErr := os.Stat(first.Dir); !os.IsNotExist(statErr) {
		t.Fatalf("stale pack dir %s not removed", first.Dir)
	}
	if _, statErr := os.Stat(second.Dir); statErr != nil {
		t.Fatalf("fresh pack dir missing: %v", statErr)
	}
}

func TestPackCacheDownloadLockReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks, err := commonCache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	store := &fakeStore{objects: map[string][]byte{
		"packs/p-1/1.tar.zst": buildPack(t, testManifest("p-1"), map[string]string{"tests/1.in": "", "tests/1.ans": ""}),
	}}
	cache, err := NewPackCacheWithLock(store, "packs", locks, PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCacheWithLock: %v", err)
	}

	if _, err := cache.Get(context.Background(), "p-1", "1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mr.Exists(downloadLockPrefix + "p-1@1") {
		t.Fatalf("download lock not released")
	}
	if store.gets != 1 {
		t.Fatalf("downloads = %d, want 1", store.gets)
	}
}

func TestPackCacheMissingPack(t *testing.T) {
	cache, err := NewPackCache(&fakeStore{}, "packs", PackCacheConfig{Root: t.TempDir(), MaxEntries: 4, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewPackCache: %v", err)
	}
	if _, err := cache.Get(context.Background(), "missing", "1"); err == nil {
		t.Fatalf("Get() succeeded for missing pack")
	}
}
