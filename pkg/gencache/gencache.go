// Package gencache is the content-addressed generation cache. Every
// generation call is identified by what went into it; a hit returns the
// stored output and skips the remote call entirely.
package gencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/storage"
)

// Generation kinds stored in the cache.
const (
	KindNarrate = "narrate"
	KindBatch   = "narrate-batch"
	KindExtract = "extract"
	KindRefine  = "refine"
)

// inputEnvelope is what InputHash digests. Field order is fixed by the
// struct; encoding/json emits keys in declaration order, so the same inputs
// always produce the same bytes.
type inputEnvelope struct {
	ChapterHash    string  `json:"chapter_hash"`
	Model          string  `json:"model"`
	NarrationRatio float64 `json:"narration_ratio"`
	PromptVersion  string  `json:"prompt_version"`
	Temperature    float64 `json:"temperature"`
	WorldHash      string  `json:"world_hash"`
}

// InputHash derives the content hash identifying one generation call: the
// chapter text, prompt version, model, sampling and length settings, and the
// world-state snapshot the prompt was built from. Kinds with no length
// target pass ratio 0.
func InputHash(chapterHash, promptVersion, model string, temperature, ratio float64, worldHash string) string {
	data, _ := json.Marshal(inputEnvelope{
		ChapterHash:    chapterHash,
		Model:          model,
		NarrationRatio: ratio,
		PromptVersion:  promptVersion,
		Temperature:    temperature,
		WorldHash:      worldHash,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BatchInputHash derives the hash for a whole-batch generation call from
// the member chapters' input hashes, in chapter order.
func BatchInputHash(memberHashes []string) string {
	data, _ := json.Marshal(memberHashes)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cache wraps the storage driver's generation-cache rows.
type Cache struct {
	driver storage.Driver
	log    *zap.Logger
}

func NewCache(driver storage.Driver, log *zap.Logger) *Cache {
	return &Cache{driver: driver, log: log}
}

// Lookup returns the cached output for a key, with a hit flag. Storage
// errors other than a miss are returned.
func (c *Cache) Lookup(ctx context.Context, key storage.CacheKey) (string, bool, error) {
	entry, err := c.driver.GetCacheEntry(ctx, key)
	if err != nil {
		var notFound storage.ErrNotFound
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("looking up cache entry: %w", err)
	}

	c.log.Debug("generation cache hit",
		zap.String("kind", key.Kind),
		zap.String("input_hash", key.InputHash))
	return entry.Output, true, nil
}

// Store records an output under a key. The first write for a key wins;
// replays keep the original output so identical reruns stay byte-stable.
func (c *Cache) Store(ctx context.Context, key storage.CacheKey, output string) error {
	if err := c.driver.PutCacheEntry(ctx, &storage.CacheEntry{Key: key, Output: output}); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}
