// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the query result cache. Entries key on the
// agent, the normalized SQL, and the bound parameters, so identical
// SQL with different values never collides. Storage is pluggable: an
// in-memory arena for single-process deployments and a Redis store for
// shared ones.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/connector"
)

// DefaultTTL applies when neither an override nor an agent TTL is set.
const DefaultTTL = 5 * time.Minute

// Entry is one cached query result.
type Entry struct {
	AgentID   string                `json:"agent_id"`
	SQL       string                `json:"sql"`
	Result    connector.QueryResult `json:"result"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Expired reports whether the entry's TTL has passed.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists cache entries. Implementations must tolerate
// concurrent calls; a reader must never observe a partially written
// entry.
type Store interface {
	// Get returns the entry for a key, or nil on miss. Expiry is the
	// cache's concern, not the store's: stores may return expired
	// entries.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores an entry under a key.
	Put(ctx context.Context, key string, entry *Entry) error
	// Delete removes keys. Unknown keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Keys lists all stored keys with their entries.
	Keys(ctx context.Context) (map[string]*Entry, error)
}

// TTLSource resolves an agent's configured cache TTL.
type TTLSource interface {
	CacheTTL(agentID string) (time.Duration, bool)
}

// TTLSourceFunc adapts a function to the TTLSource interface.
type TTLSourceFunc func(agentID string) (time.Duration, bool)

// CacheTTL implements TTLSource.
func (f TTLSourceFunc) CacheTTL(agentID string) (time.Duration, bool) {
	return f(agentID)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// QueryCache caches query results with per-agent TTLs.
// Safe for concurrent use.
type QueryCache struct {
	store      Store
	ttlSource  TTLSource
	defaultTTL time.Duration
	now        func() time.Time

	mu     sync.Mutex
	hits   map[string]int64
	misses map[string]int64
}

// Option configures the QueryCache.
type Option func(*QueryCache)

// WithTTLSource wires per-agent TTL lookup, usually the agent registry.
func WithTTLSource(src TTLSource) Option {
	return func(c *QueryCache) {
		c.ttlSource = src
	}
}

// WithDefaultTTL overrides the system default TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *QueryCache) {
		c.defaultTTL = ttl
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *QueryCache) {
		c.now = now
	}
}

// New creates a QueryCache on top of a store.
func New(store Store, opts ...Option) *QueryCache {
	c := &QueryCache{
		store:      store,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		hits:       make(map[string]int64),
		misses:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for (agent, sql, params), or nil on
// miss. An expired entry counts as a miss and is evicted on the spot.
func (c *QueryCache) Get(ctx context.Context, agentID, sql string, params map[string]interface{}) (*connector.QueryResult, error) {
	key := Key(agentID, sql, params)

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Expired(c.now()) {
		if entry != nil {
			_ = c.store.Delete(ctx, key)
		}
		c.count(c.misses, agentID)
		return nil, nil
	}

	c.count(c.hits, agentID)
	result := entry.Result
	result.Cached = true
	return &result, nil
}

// Put stores a result. TTL resolution order: explicit override, then
// the agent's configured TTL, then the system default.
func (c *QueryCache) Put(ctx context.Context, agentID, sql string, params map[string]interface{}, result connector.QueryResult, ttlOverride time.Duration) error {
	ttl := c.resolveTTL(agentID, ttlOverride)
	now := c.now()

	entry := &Entry{
		AgentID:   agentID,
		SQL:       sql,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return c.store.Put(ctx, Key(agentID, sql, params), entry)
}

// Invalidate clears entries matching the agent and/or a
// case-insensitive SQL substring pattern. Empty filters widen the
// scope: no agent and no pattern clears everything. Returns the number
// of entries removed.
func (c *QueryCache) Invalidate(ctx context.Context, agentID, pattern string) (int, error) {
	entries, err := c.store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	loweredPattern := strings.ToLower(pattern)
	victims := make([]string, 0)
	for key, entry := range entries {
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		if pattern != "" && !strings.Contains(strings.ToLower(entry.SQL), loweredPattern) {
			continue
		}
		victims = append(victims, key)
	}
	if len(victims) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, victims...); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// ClearExpired sweeps every entry whose TTL has passed. Idempotent.
func (c *QueryCache) ClearExpired(ctx context.Context) (int, error) {
	entries, err := c.store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	victims := make([]string, 0)
	for key, entry := range entries {
		if entry.Expired(now) {
			victims = append(victims, key)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, victims...); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// StartSweepLoop runs ClearExpired on an interval until the context is
// cancelled.
func (c *QueryCache) StartSweepLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.ClearExpired(ctx)
			}
		}
	}()
}

// GetStats reports hit/miss counters and live entry count, scoped to
// one agent or, with an empty agentID, the whole cache.
func (c *QueryCache) GetStats(ctx context.Context, agentID string) (Stats, error) {
	entries, err := c.store.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}

	count := 0
	for _, entry := range entries {
		if agentID == "" || entry.AgentID == agentID {
			count++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{Entries: count}
	if agentID == "" {
		for _, n := range c.hits {
			stats.Hits += n
		}
		for _, n := range c.misses {
			stats.Misses += n
		}
	} else {
		stats.Hits = c.hits[agentID]
		stats.Misses = c.misses[agentID]
	}
	return stats, nil
}

func (c *QueryCache) resolveTTL(agentID string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if c.ttlSource != nil {
		if ttl, ok := c.ttlSource.CacheTTL(agentID); ok && ttl > 0 {
			return ttl
		}
	}
	return c.defaultTTL
}

func (c *QueryCache) count(counters map[string]int64, agentID string) {
	c.mu.Lock()
	counters[agentID]++
	c.mu.Unlock()
}

// Key derives the cache key from the agent, the normalized SQL, and
// the bound parameters in canonical order.
func Key(agentID, sql string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(normalizeSQL(sql)))
	h.Write([]byte{0})

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s=%v", name, params[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeSQL collapses whitespace and case so formatting differences
// hit the same entry.
func normalizeSQL(sql string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimRight(sql, "; \t\n")), " "))
}
