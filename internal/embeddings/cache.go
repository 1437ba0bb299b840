package embeddings

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Cache is the content-addressed embedding cache. Keys derive from
// (model, text), so equal inputs always map to the same entry and
// concurrent writers cannot disagree about a value: last write wins and
// the value is content-derived, so ties are safe.
//
// Two tiers: an in-memory LRU in front of an on-disk store under dir,
// one file per entry named by the key hash. Disk writes go through
// tmp+rename so a crash never leaves a partial entry.
type Cache struct {
	dir    string
	mem    *lru.Cache[string, []float32]
	logger *zap.Logger
}

// NewCache creates a cache rooted at dir with an in-memory tier of
// maxEntries vectors.
func NewCache(dir string, maxEntries int, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	mem, err := lru.New[string, []float32](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}
	return &Cache{dir: dir, mem: mem, logger: logger}, nil
}

// Key computes the stable content address for (model, text).
func Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached vector for (model, text), or nil on miss.
func (c *Cache) Get(model, text string) []float32 {
	key := Key(model, text)
	if v, ok := c.mem.Get(key); ok {
		return v
	}
	v, err := c.readDisk(key)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Debug("embedding cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	c.mem.Add(key, v)
	return v
}

// Put stores a vector for (model, text) in both tiers. Racing writers
// for the same key produce identical bytes, so the rename order does not
// matter.
func (c *Cache) Put(model, text string, vector []float32) {
	key := Key(model, text)
	c.mem.Add(key, vector)
	if err := c.writeDisk(key, vector); err != nil {
		c.logger.Warn("embedding cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) entryPath(key string) string {
	// Shard by the first byte of the hash to keep directories small.
	return filepath.Join(c.dir, key[:2], key+".vec")
}

func (c *Cache) readDisk(key string) ([]float32, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt cache entry: %d bytes", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}

func (c *Cache) writeDisk(key string, vector []float32) error {
	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data := make([]byte, len(vector)*4)
	for i, x := range vector {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(x))
	}
	// Unique temp name per writer so racing writers never interleave
	// into one file; both renames land the same content-derived bytes.
	tmp, err := os.CreateTemp(filepath.Dir(path), key+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
