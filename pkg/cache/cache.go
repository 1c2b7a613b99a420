// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache short-circuits the pipeline for near-duplicate queries.
//
// Responses are stored with their query embedding; a lookup whose
// cosine similarity clears the threshold returns the stored response
// without any model call. Dynamic requests (code work, escalations,
// slash commands) bypass the cache entirely.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/embedder"
)

const collectionName = "response_cache"

// DefaultNonCacheable are always-on bypass patterns for dynamic
// requests whose answers must not be replayed.
var DefaultNonCacheable = []string{
	`(코드|code|구현|implement|작성|write|debug|디버깅|fix|수정)`,
	`(파일|file|프로젝트|project).*\.(py|go|ts|js|yaml|json|md)`,
	`\[ESCALATE\]`,
	`(리팩토링|refactor)`,
	`^/`,
}

// Cache is the semantic response cache.
type Cache struct {
	db        *chromem.DB
	embed     embedder.Embedder
	threshold float64
	enabled   bool
	bypass    []*regexp.Regexp

	mu         sync.Mutex
	collection *chromem.Collection

	persistPath string
}

// New builds the cache. A nil embedder disables it.
func New(cfg *config.CacheConfig, embed embedder.Embedder) (*Cache, error) {
	c := &Cache{
		embed:     embed,
		threshold: cfg.SimilarityThreshold,
		enabled:   (cfg.Enabled == nil || *cfg.Enabled) && embed != nil,
	}
	if c.threshold <= 0 {
		c.threshold = 0.95
	}

	patterns := append([]string{}, DefaultNonCacheable...)
	patterns = append(patterns, cfg.NonCacheable...)
	for _, pattern := range patterns {
		compiled, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			slog.Warn("invalid non-cacheable pattern", "pattern", pattern, "error", err)
			continue
		}
		c.bypass = append(c.bypass, compiled)
	}

	if !c.enabled {
		return c, nil
	}

	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		c.persistPath = filepath.Join(cfg.PersistDir, "cache.gob")
		db, err := chromem.NewPersistentDB(c.persistPath, false)
		if err != nil {
			slog.Warn("failed to load cache database, starting fresh", "error", err)
			db = chromem.NewDB()
		}
		c.db = db
	} else {
		c.db = chromem.NewDB()
	}

	slog.Debug("semantic cache initialized",
		"threshold", c.threshold,
		"persist", c.persistPath != "")
	return c, nil
}

// Enabled reports whether lookups are active.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// Cacheable reports whether a query may be served from or stored in
// the cache.
func (c *Cache) Cacheable(query string) bool {
	for _, pattern := range c.bypass {
		if pattern.MatchString(query) {
			return false
		}
	}
	return true
}

func (c *Cache) getCollection() (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collection != nil {
		return c.collection, nil
	}
	col, err := c.db.GetOrCreateCollection(collectionName, nil, chromem.EmbeddingFunc(c.embed.Embed))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache collection: %w", err)
	}
	c.collection = col
	return col, nil
}

// Get returns the cached response for a sufficiently similar query.
// A miss, bypass, or lookup failure returns ok=false; the cache never
// fails the pipeline.
func (c *Cache) Get(ctx context.Context, query string) (response string, similarity float64, ok bool) {
	if !c.enabled || !c.Cacheable(query) {
		return "", 0, false
	}

	col, err := c.getCollection()
	if err != nil {
		slog.Warn("cache lookup failed", "error", err)
		return "", 0, false
	}
	if col.Count() == 0 {
		return "", 0, false
	}

	vector, err := c.embed.Embed(ctx, query)
	if err != nil {
		slog.Warn("cache lookup failed", "error", err)
		return "", 0, false
	}

	results, err := col.QueryEmbedding(ctx, vector, 1, nil, nil)
	if err != nil || len(results) == 0 {
		return "", 0, false
	}

	similarity = float64(results[0].Similarity)
	if similarity < c.threshold {
		slog.Debug("cache miss", "similarity", similarity, "threshold", c.threshold)
		return "", similarity, false
	}
	slog.Info("cache hit", "similarity", similarity)
	return results[0].Content, similarity, true
}

// Put stores a query-response pair. Bypass queries and failures are
// silently skipped.
func (c *Cache) Put(ctx context.Context, query, response string) {
	if !c.enabled || !c.Cacheable(query) {
		return
	}

	col, err := c.getCollection()
	if err != nil {
		slog.Warn("cache store failed", "error", err)
		return
	}

	vector, err := c.embed.Embed(ctx, query)
	if err != nil {
		slog.Warn("cache store failed", "error", err)
		return
	}

	queryMeta := query
	if len(queryMeta) > 500 {
		queryMeta = queryMeta[:500]
	}
	doc := chromem.Document{
		ID:        uuid.NewString(),
		Content:   response,
		Metadata:  map[string]string{"query": queryMeta},
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		slog.Warn("cache store failed", "error", err)
		return
	}
	c.persist()
}

// Count returns the number of cached entries.
func (c *Cache) Count() int {
	if !c.enabled {
		return 0
	}
	col, err := c.getCollection()
	if err != nil {
		return 0
	}
	return col.Count()
}

// Clear drops every cached entry.
func (c *Cache) Clear() error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.collection = nil
	return nil
}

// Close persists the cache if persistence is configured.
func (c *Cache) Close() error {
	c.persist()
	return nil
}

func (c *Cache) persist() {
	if c.persistPath == "" || c.db == nil {
		return
	}
	if err := c.db.Export(c.persistPath, false, ""); err != nil {
		slog.Warn("failed to persist cache", "error", err)
	}
}
