// Package cache implements the two-tier result cache: a per-process memory
// tier in front of Redis, which is the source of truth across workers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/common/metrics"
	"enrichment-workers/internal/models"
)

// Key builds the deterministic cache key for one provider query. Params are
// sorted by name before hashing, so any permutation of the same set yields
// the same key.
func Key(providerID string, queryType models.ProviderType, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
		b.WriteByte('&')
	}
	sum := sha256.Sum256([]byte(b.String()))

	return fmt.Sprintf("%s:%s:%s", providerID, queryType, hex.EncodeToString(sum[:16]))
}

type memEntry struct {
	result    *models.EnrichmentResult
	expiresAt time.Time
}

// Manager owns the CacheEntry lifecycle in both tiers.
type Manager struct {
	mu  sync.RWMutex
	mem map[string]memEntry

	rdb        *redis.Client
	prefix     string
	defaultTTL time.Duration
	log        logger.Logger
	clock      func() time.Time
}

func New(rdb *redis.Client, cfg config.CacheConfig, log logger.Logger) *Manager {
	return &Manager{
		mem:        make(map[string]memEntry),
		rdb:        rdb,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		log:        log.WithFields(map[string]interface{}{"component": "cache"}),
		clock:      time.Now,
	}
}

func (m *Manager) redisKey(key string) string {
	return m.prefix + ":" + key
}

func (m *Manager) hitsKey(key string) string {
	return m.redisKey(key) + ":hits"
}

// Get checks the memory tier first, then Redis. A Redis hit records the hit
// count and backfills the memory tier with the key's remaining TTL. Expired
// entries are invisible.
func (m *Manager) Get(ctx context.Context, providerID string, queryType models.ProviderType, params map[string]string) (*models.EnrichmentResult, bool) {
	key := Key(providerID, queryType, params)

	m.mu.RLock()
	entry, ok := m.mem[key]
	m.mu.RUnlock()
	if ok && m.clock().Before(entry.expiresAt) {
		metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return entry.result, true
	}
	metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	pipe := m.rdb.TxPipeline()
	getCmd := pipe.Get(ctx, m.redisKey(key))
	ttlCmd := pipe.PTTL(ctx, m.redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		if err != redis.Nil {
			m.log.Warn("persistent cache read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		metrics.CacheLookups.WithLabelValues("persistent", "miss").Inc()
		return nil, false
	}

	var result models.EnrichmentResult
	if err := json.Unmarshal([]byte(getCmd.Val()), &result); err != nil {
		m.log.Warn("corrupt cache entry dropped", map[string]interface{}{"key": key})
		metrics.CacheLookups.WithLabelValues("persistent", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("persistent", "hit").Inc()
	m.recordHit(ctx, key, ttlCmd.Val())

	if ttl := ttlCmd.Val(); ttl > 0 {
		m.mu.Lock()
		m.mem[key] = memEntry{result: &result, expiresAt: m.clock().Add(ttl)}
		m.mu.Unlock()
	}

	return &result, true
}

// recordHit bumps the per-entry hit counter. The counter expires with the
// entry it counts, so misses never mint counter keys.
func (m *Manager) recordHit(ctx context.Context, key string, ttl time.Duration) {
	pipe := m.rdb.TxPipeline()
	pipe.Incr(ctx, m.hitsKey(key))
	if ttl > 0 {
		pipe.PExpire(ctx, m.hitsKey(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("hit count update failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Set writes both tiers. A zero ttl applies the configured default (1h).
func (m *Manager) Set(ctx context.Context, providerID string, queryType models.ProviderType, params map[string]string, result *models.EnrichmentResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	key := Key(providerID, queryType, params)

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, m.redisKey(key), payload, ttl)
	pipe.Set(ctx, m.hitsKey(key), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewCacheUnavailableError(err)
	}

	m.mu.Lock()
	m.mem[key] = memEntry{result: result, expiresAt: m.clock().Add(ttl)}
	m.mu.Unlock()

	return nil
}

// Invalidate clears matching entries from both tiers. Empty providerID and
// queryType clears everything.
func (m *Manager) Invalidate(ctx context.Context, providerID string, queryType models.ProviderType) error {
	pattern := m.prefix + ":*"
	switch {
	case providerID != "" && queryType != "":
		pattern = m.prefix + ":" + providerID + ":" + string(queryType) + ":*"
	case providerID != "":
		pattern = m.prefix + ":" + providerID + ":*"
	case queryType != "":
		pattern = m.prefix + ":*:" + string(queryType) + ":*"
	}

	m.mu.Lock()
	for key := range m.mem {
		if matchesInvalidation(key, providerID, queryType) {
			delete(m.mem, key)
		}
	}
	m.mu.Unlock()

	iter := m.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache invalidation scan: %w", err)
	}
	if len(keys) > 0 {
		if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache invalidation delete: %w", err)
		}
	}

	m.log.Info("cache invalidated", map[string]interface{}{
		"providerId": providerID,
		"queryType":  queryType,
		"deleted":    len(keys),
	})
	return nil
}

func matchesInvalidation(key, providerID string, queryType models.ProviderType) bool {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return true
	}
	if providerID != "" && parts[0] != providerID {
		return false
	}
	if queryType != "" && parts[1] != string(queryType) {
		return false
	}
	return true
}

// Cleanup purges expired memory entries. Redis enforces its own expiry; this
// only keeps the process-local tier from accumulating dead entries. Scheduled
// hourly by the worker manager.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	purged := 0
	for key, entry := range m.mem {
		if !now.Before(entry.expiresAt) {
			delete(m.mem, key)
			purged++
		}
	}
	return purged
}

// Len returns the live memory-tier entry count, used for health reporting.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mem)
}
