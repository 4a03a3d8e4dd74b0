// Package cache maintains the local problem data-pack cache. Packs are
// stored in object storage as zstd-compressed tarballs and extracted to
// node-local disk before judging.
package cache

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	commonCache "arbiter/internal/common/cache"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

const (
	manifestName = "manifest.json"
	// Single extracted file cap. Guards against decompression bombs.
	maxFileBytes = 512 << 20

	downloadLockPrefix  = "judge:pack-lock:"
	downloadLockTTL     = 2 * time.Minute
	downloadLockWait    = 30 * time.Second
	downloadLockBackoff = 200 * time.Millisecond
)

// DataPack is an extracted, ready-to-use problem data pack.
type DataPack struct {
	ProblemID string
	Version   string
	Dir       string
	Manifest  model.ProblemManifest
}

// TestPath resolves a test case file inside the pack.
func (p *DataPack) TestPath(name string) string {
	return filepath.Join(p.Dir, name)
}

type packEntry struct {
	ready    chan struct{}
	pack     *DataPack
	err      error
	lastUsed time.Time
}

// PackCacheConfig controls cache capacity and freshness.
type PackCacheConfig struct {
	Root       string
	MaxEntries int
	TTL        time.Duration
}

func DefaultPackCacheConfig() PackCacheConfig {
	return PackCacheConfig{
		Root:       "/var/lib/arbiter/packs",
		MaxEntries: 64,
		TTL:        6 * time.Hour,
	}
}

// PackCache downloads and extracts data packs on demand, keeping up to
// MaxEntries extracted packs on disk with TTL-based refresh.
type PackCache struct {
	store  storage.ObjectStorage
	bucket string
	config PackCacheConfig
	locks  commonCache.LockOps

	mu      sync.Mutex
	entries map[string]*packEntry
}

// NewPackCacheWithLock creates a cache whose downloads are additionally
// serialized across judge replicas through a distributed lock, so two
// nodes do not pull the same pack from object storage at once.
func NewPackCacheWithLock(store storage.ObjectStorage, bucket string, locks commonCache.LockOps, config PackCacheConfig) (*PackCache, error) {
	c, err := NewPackCache(store, bucket, config)
	if err != nil {
		return nil, err
	}
	c.locks = locks
	return c, nil
}

// NewPackCache creates a cache rooted at config.Root.
func NewPackCache(store storage.ObjectStorage, bucket string, config PackCacheConfig) (*PackCache, error) {
	if config.Root == "" {
		config = DefaultPackCacheConfig()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultPackCacheConfig().MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultPackCacheConfig().TTL
	}
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create pack cache root failed")
	}
	return &PackCache{
		store:   store,
		bucket:  bucket,
		config:  config,
		entries: make(map[string]*packEntry),
	}, nil
}

// Get returns the extracted pack for problemID at version, downloading
// it when absent or stale. Concurrent requests for the same pack share
// one download.
func (c *PackCache) Get(ctx context.Context, problemID, version string) (*DataPack, error) {
	if problemID == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if version == "" {
		version = "latest"
	}
	key := problemID + "@" + version

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		select {
		case <-entry.ready:
			if entry.err == nil && time.Since(entry.lastUsed) < c.config.TTL {
				entry.lastUsed = time.Now()
				pack := entry.pack
				c.mu.Unlock()
				return pack, nil
			}
			// Stale or failed; drop the extracted copy and rebuild below.
			delete(c.entries, key)
			if entry.pack != nil {
				removePackDir(entry.pack.Dir)
			}
		default:
			// Another goroutine is downloading; wait outside the lock.
			c.mu.Unlock()
			select {
			case <-entry.ready:
			case <-ctx.Done():
				return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "wait for pack download cancelled")
			}
			if entry.err != nil {
				return nil, entry.err
			}
			return entry.pack, nil
		}
	}

	entry = &packEntry{ready: make(chan struct{}), lastUsed: time.Now()}
	c.entries[key] = entry
	c.evictLocked()
	c.mu.Unlock()

	pack, err := c.fetch(ctx, problemID, version)
	entry.pack = pack
	entry.err = err
	close(entry.ready)

	if err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, err
	}
	return pack, nil
}

// Invalidate drops a cached pack, forcing the next Get to re-download.
func (c *PackCache) Invalidate(problemID, version string) {
	if version == "" {
		version = "latest"
	}
	key := problemID + "@" + version

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok && entry.pack != nil {
		removePackDir(entry.pack.Dir)
	}
}

func (c *PackCache) fetch(ctx context.Context, problemID, version string) (*DataPack, error) {
	objectKey := fmt.Sprintf("%s/%s.tar.zst", problemID, version)

	if c.locks != nil {
		release, err := c.acquireDownloadLock(ctx, problemID+"@"+version)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	reader, err := c.store.GetObject(ctx, c.bucket, objectKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemDataMissing, "download data pack %s failed", objectKey)
	}
	defer reader.Close()

	dir, err := os.MkdirTemp(c.config.Root, problemID+"-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create pack dir failed")
	}
	if err := extractPack(reader, dir); err != nil {
		removePackDir(dir)
		return nil, err
	}

	manifest, err := readManifest(filepath.Join(dir, manifestName))
	if err != nil {
		removePackDir(dir)
		return nil, err
	}
	if manifest.ProblemID != "" && manifest.ProblemID != problemID {
		removePackDir(dir)
		return nil, appErr.Newf(appErr.ProblemDataMissing,
			"pack manifest is for problem %s, expected %s", manifest.ProblemID, problemID)
	}

	return &DataPack{
		ProblemID: problemID,
		Version:   version,
		Dir:       dir,
		Manifest:  manifest,
	}, nil
}

// acquireDownloadLock takes the per-pack distributed lock, waiting up to
// downloadLockWait. When the wait expires the download proceeds anyway;
// the lock trims duplicate pulls, it does not gate correctness.
func (c *PackCache) acquireDownloadLock(ctx context.Context, key string) (func(), error) {
	lockKey := downloadLockPrefix + key
	deadline := time.Now().Add(downloadLockWait)
	for {
		ok, err := c.locks.TryLock(ctx, lockKey, downloadLockTTL)
		if err != nil {
			logger.Warn(ctx, "pack download lock failed", zap.String("key", key), zap.Error(err))
			return func() {}, nil
		}
		if ok {
			return func() {
				if err := c.locks.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
					logger.Warn(ctx, "release pack download lock failed",
						zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return func() {}, nil
		}
		select {
		case <-time.After(downloadLockBackoff):
		case <-ctx.Done():
			return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "wait for pack download lock cancelled")
		}
	}
}

// evictLocked removes the least recently used completed entries over
// capacity. Caller holds c.mu.
func (c *PackCache) evictLocked() {
	for len(c.entries) > c.config.MaxEntries {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			select {
			case <-entry.ready:
			default:
				continue // never evict in-flight downloads
			}
			if oldestKey == "" || entry.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = entry.lastUsed
			}
		}
		if oldestKey == "" {
			return
		}
		entry := c.entries[oldestKey]
		delete(c.entries, oldestKey)
		if entry.pack != nil {
			removePackDir(entry.pack.Dir)
		}
	}
}

func extractPack(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProblemDataMissing, "open zstd stream failed")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ProblemDataMissing, "read pack archive failed")
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "create pack dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "create pack dir failed")
			}
			if err := writePackFile(target, tr); err != nil {
				return err
			}
		default:
			// Symlinks and devices are not allowed inside packs.
			return appErr.Newf(appErr.ProblemDataMissing, "pack contains unsupported entry %s", hdr.Name)
		}
	}
}

func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", appErr.Newf(appErr.ProblemDataMissing, "pack entry escapes root: %s", name)
	}
	return filepath.Join(dir, cleaned), nil
}

func writePackFile(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create pack file failed")
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, maxFileBytes+1))
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "write pack file failed")
	}
	if n > maxFileBytes {
		return appErr.Newf(appErr.ProblemDataMissing, "pack file %s exceeds size cap", filepath.Base(target))
	}
	return nil
}

func readManifest(path string) (model.ProblemManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ProblemManifest{}, appErr.Wrapf(err, appErr.ProblemDataMissing, "pack manifest missing")
	}
	var manifest model.ProblemManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return model.ProblemManifest{}, appErr.Wrapf(err, appErr.ProblemDataMissing, "parse pack manifest failed")
	}
	if err := manifest.Validate(); err != nil {
		return model.ProblemManifest{}, err
	}
	return manifest, nil
}

func removePackDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn(context.Background(), "remove pack dir failed",
			zap.String("dir", dir), zap.Error(err))
	}
}
