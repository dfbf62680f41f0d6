package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"docsearch/internal/domain"
)

// ErrTierMiss is returned by a SecondTier that has no value for a key.
var ErrTierMiss = errors.New("cache tier miss")

// SecondTier is an optional shared store consulted on local misses.
type SecondTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Options struct {
	MaxEntries int
	MaxBytes   int64
	SecondTier SecondTier
	Counter    *prometheus.CounterVec // label "result": hit / miss / evict
	Entries    prometheus.Gauge
	Logger     *zap.Logger
}

type cacheKey struct {
	hash    string
	version string
}

func (k cacheKey) String() string {
	return k.version + ":" + k.hash
}

type entry struct {
	key cacheKey
	vec []float32
}

func (e *entry) size() int64 {
	return int64(len(e.vec)*4 + len(e.key.hash) + len(e.key.version))
}

// call is an in-flight computation other callers can wait on.
type call struct {
	done chan struct{}
	emb  domain.Embedding
	err  error
}

// EmbeddingCache memoizes embeddings keyed by (content hash, model version)
// in a bounded LRU. Concurrent misses on the same key share one computation.
// Returned vectors are shared and must not be modified.
type EmbeddingCache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[cacheKey]*list.Element
	bytes    int64
	inflight map[cacheKey]*call

	maxEntries int
	maxBytes   int64
	second     SecondTier
	counter    *prometheus.CounterVec
	entries    prometheus.Gauge
	logger     *zap.Logger
}

func NewEmbeddingCache(opts Options) *EmbeddingCache {
	if opts.MaxEntries <= 0 && opts.MaxBytes <= 0 {
		opts.MaxEntries = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{
		ll:         list.New(),
		items:      make(map[cacheKey]*list.Element),
		inflight:   make(map[cacheKey]*call),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		second:     opts.SecondTier,
		counter:    opts.Counter,
		entries:    opts.Entries,
		logger:     logger,
	}
}

// GetOrCompute returns the cached embedding or runs compute. compute runs at
// most once per key across concurrent callers; a caller whose peer was
// cancelled retries with its own context.
func (c *EmbeddingCache) GetOrCompute(
	ctx context.Context,
	contentHash, modelVersion string,
	compute func(context.Context) (domain.Embedding, error),
) (domain.Embedding, error) {
	embs, _, err := c.GetOrComputeBatch(ctx, []string{contentHash}, modelVersion,
		func(ctx context.Context, _ []int) ([]domain.Embedding, error) {
			emb, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			return []domain.Embedding{emb}, nil
		})
	if err != nil {
		return domain.Embedding{}, err
	}
	return embs[0], nil
}

// GetOrComputeBatch resolves every hash. Hits and keys already being computed
// by someone else are served without compute; all remaining misses go to a
// single compute call. The second return value counts positions this call
// did not compute itself.
func (c *EmbeddingCache) GetOrComputeBatch(
	ctx context.Context,
	hashes []string,
	modelVersion string,
	compute func(ctx context.Context, missing []int) ([]domain.Embedding, error),
) ([]domain.Embedding, int, error) {
	out := make([]domain.Embedding, len(hashes))
	resolved := make([]bool, len(hashes))
	served := 0

	for {
		owned, waits, aliases := c.claim(hashes, modelVersion, out, resolved, &served)

		if len(owned) > 0 {
			if err := c.fill(ctx, hashes, modelVersion, owned, out, compute, &served); err != nil {
				return nil, 0, err
			}
			for _, i := range owned {
				resolved[i] = true
			}
		}

		retry := false
		for i, cl := range waits {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-cl.done:
			}
			if cl.err != nil {
				if isCancellation(cl.err) && ctx.Err() == nil {
					retry = true
					continue
				}
				return nil, 0, cl.err
			}
			out[i] = cl.emb
			resolved[i] = true
			served++
		}

		for i, owner := range aliases {
			if resolved[owner] {
				out[i] = out[owner]
				resolved[i] = true
				served++
			} else {
				retry = true
			}
		}

		if !retry {
			return out, served, nil
		}
	}
}

// claim serves hits, registers in-flight calls for new misses and collects
// the calls of misses owned by other callers. Duplicate hashes within the
// batch alias their first occurrence.
func (c *EmbeddingCache) claim(
	hashes []string,
	version string,
	out []domain.Embedding,
	resolved []bool,
	served *int,
) (owned []int, waits map[int]*call, aliases map[int]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waits = make(map[int]*call)
	aliases = make(map[int]int)
	firstSeen := make(map[cacheKey]int)

	for i, h := range hashes {
		if resolved[i] {
			continue
		}
		key := cacheKey{hash: h, version: version}
		if first, dup := firstSeen[key]; dup {
			aliases[i] = first
			continue
		}
		firstSeen[key] = i

		if el, ok := c.items[key]; ok {
			c.ll.MoveToFront(el)
			out[i] = domain.Embedding{Vector: el.Value.(*entry).vec, ModelVersion: version}
			resolved[i] = true
			*served++
			c.inc("hit")
			continue
		}
		if cl, ok := c.inflight[key]; ok {
			waits[i] = cl
			continue
		}
		c.inflight[key] = &call{done: make(chan struct{})}
		owned = append(owned, i)
		c.inc("miss")
	}
	return owned, waits, aliases
}

// fill resolves owned keys from the second tier and compute, then publishes
// the results to waiters.
func (c *EmbeddingCache) fill(
	ctx context.Context,
	hashes []string,
	version string,
	owned []int,
	out []domain.Embedding,
	compute func(ctx context.Context, missing []int) ([]domain.Embedding, error),
	served *int,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("embedding compute panicked: %v", r)
		}
		c.publish(hashes, version, owned, out, err)
	}()

	missing := owned
	if c.second != nil {
		missing = missing[:0:0]
		for _, i := range owned {
			key := cacheKey{hash: hashes[i], version: version}
			if vec, ok := c.tierGet(ctx, key); ok {
				out[i] = domain.Embedding{Vector: vec, ModelVersion: version}
				*served++
				continue
			}
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	embs, err := compute(ctx, missing)
	if err != nil {
		return err
	}
	if len(embs) != len(missing) {
		return fmt.Errorf("%w: compute returned %d embeddings for %d inputs",
			domain.ErrEmbeddingUnavailable, len(embs), len(missing))
	}
	for j, i := range missing {
		emb := embs[j]
		if emb.ModelVersion == "" {
			emb.ModelVersion = version
		}
		if emb.ModelVersion != version {
			return fmt.Errorf("%w: computed model version %q, want %q",
				domain.ErrInvalidConfig, emb.ModelVersion, version)
		}
		out[i] = emb
		if c.second != nil {
			c.tierSet(ctx, cacheKey{hash: hashes[i], version: version}, emb.Vector)
		}
	}
	return nil
}

// publish stores successful results and wakes waiters. Insert and in-flight
// removal happen under one lock so no caller can miss both.
func (c *EmbeddingCache) publish(hashes []string, version string, owned []int, out []domain.Embedding, err error) {
	c.mu.Lock()
	calls := make([]*call, 0, len(owned))
	for _, i := range owned {
		key := cacheKey{hash: hashes[i], version: version}
		cl := c.inflight[key]
		delete(c.inflight, key)
		if cl == nil {
			continue
		}
		if err != nil {
			cl.err = err
		} else {
			cl.emb = out[i]
			c.add(key, out[i].Vector)
		}
		calls = append(calls, cl)
	}
	c.mu.Unlock()

	for _, cl := range calls {
		close(cl.done)
	}
}

// Get returns a cached vector without computing.
func (c *EmbeddingCache) Get(contentHash, modelVersion string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey{hash: contentHash, version: modelVersion}]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).vec, true
}

// Put inserts a vector directly.
func (c *EmbeddingCache) Put(contentHash, modelVersion string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(cacheKey{hash: contentHash, version: modelVersion}, vec)
}

// add must be called with mu held.
func (c *EmbeddingCache) add(key cacheKey, vec []float32) {
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		c.bytes -= e.size()
		e.vec = vec
		c.bytes += e.size()
		c.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, vec: vec}
		c.items[key] = c.ll.PushFront(e)
		c.bytes += e.size()
	}
	for c.overBudget() {
		c.removeElement(c.ll.Back())
		c.inc("evict")
	}
	c.setGauge()
}

func (c *EmbeddingCache) overBudget() bool {
	if c.ll.Len() <= 1 {
		return false
	}
	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

func (c *EmbeddingCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.bytes -= e.size()
}

// Reclaim drops entries of every model version other than current and
// returns how many were removed.
func (c *EmbeddingCache) Reclaim(current string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).key.version != current {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.setGauge()
	return removed
}

// RunReclaimer calls Reclaim every interval until ctx is done.
func (c *EmbeddingCache) RunReclaimer(ctx context.Context, interval time.Duration, current string) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Reclaim(current); n > 0 {
				c.logger.Info("Reclaimed stale embeddings", zap.Int("entries", n), zap.String("model_version", current))
			}
		}
	}
}

func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *EmbeddingCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *EmbeddingCache) tierGet(ctx context.Context, key cacheKey) ([]float32, bool) {
	data, err := c.second.Get(ctx, key.String())
	if err != nil {
		if !errors.Is(err, ErrTierMiss) {
			c.logger.Warn("Failed to get embedding from second tier", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	vec, err := bytesToVector(data)
	if err != nil || len(vec) == 0 {
		c.logger.Warn("Failed to parse embedding from second tier", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	c.inc("tier_hit")
	return vec, true
}

func (c *EmbeddingCache) tierSet(ctx context.Context, key cacheKey, vec []float32) {
	if err := c.second.Set(ctx, key.String(), vectorToCacheBytes(vec)); err != nil {
		c.logger.Warn("Failed to store embedding in second tier", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *EmbeddingCache) inc(result string) {
	if c.counter != nil {
		c.counter.WithLabelValues(result).Inc()
	}
}

func (c *EmbeddingCache) setGauge() {
	if c.entries != nil {
		c.entries.Set(float64(c.ll.Len()))
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
