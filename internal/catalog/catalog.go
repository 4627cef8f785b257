package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source is the system of record for products and clients.
type Source interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetClient(ctx context.Context, id int64) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
}

// Catalog serves product reads through the cache. Stock changes must be
// followed by Invalidate so the terminal's stock checks see fresh figures.
//
// Every Invalidate bumps the product's generation. A background fill only
// keeps its entry when the generation it started under is still current, so
// a fill that read the database before a sale committed cannot outlive the
// sale's invalidation.
type Catalog struct {
	src   Source
	cache ProductCache
	sfg   singleflight.Group
	log   *zap.Logger
	m     *metrics.Registry

	genMu sync.Mutex
	gens  map[int64]uint64
}

func New(src Source, cache ProductCache, log *zap.Logger, m *metrics.Registry) *Catalog {
	return &Catalog{src: src, cache: cache, log: log, m: m, gens: make(map[int64]uint64)}
}

func (c *Catalog) generation(id int64) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[id]
}

func (c *Catalog) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	v, err, _ := c.sfg.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		p, err := c.cache.Get(ctx, id)
		if err == nil {
			c.m.CacheHits.Inc()
			return p, nil
		}
		c.m.CacheMisses.Inc()
		if !errors.Is(err, ErrCacheMiss) {
			c.log.Warn("product cache get failed", zap.Int64("product_id", id), zap.Error(err))
		}

		gen := c.generation(id)
		p, err = c.src.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}

		cp := *p
		go c.fill(&cp, gen)
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	p := *v.(*domain.Product)
	return &p, nil
}

// fill caches p as read under generation gen. The generation is checked
// again after the write: an Invalidate that raced the Set removes the entry
// itself or has this fill remove it.
func (c *Catalog) fill(p *domain.Product, gen uint64) {
	if c.generation(p.ID) != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.cache.Set(ctx, p); err != nil {
		c.log.Warn("product cache set failed", zap.Int64("product_id", p.ID), zap.Error(err))
		return
	}
	if c.generation(p.ID) == gen {
		return
	}
	if err := c.cache.Delete(ctx, p.ID); err != nil {
		c.log.Warn("stale product cache entry not removed", zap.Int64("product_id", p.ID), zap.Error(err))
	}
}

func (c *Catalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return c.src.ListProducts(ctx)
}

func (c *Catalog) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	return c.src.GetClient(ctx, id)
}

func (c *Catalog) ListClients(ctx context.Context) ([]domain.Client, error) {
	return c.src.ListClients(ctx)
}

// Invalidate drops cached products. Failures are logged only; the entries
// still expire on their TTL.
func (c *Catalog) Invalidate(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}

	c.genMu.Lock()
	for _, id := range ids {
		c.gens[id]++
	}
	c.genMu.Unlock()
	for _, id := range ids {
		c.sfg.Forget(strconv.FormatInt(id, 10))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.cache.Delete(ctx, ids...); err != nil {
		c.log.Warn("product cache invalidate failed", zap.Int64s("product_ids", ids), zap.Error(err))
	}
}
