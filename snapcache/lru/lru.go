// Package lru is an in-process snapcache backend: a bounded LRU with
// per-entry TTLs. Expired entries are dropped lazily on read; the capacity
// bound keeps the total footprint fixed either way.
package lru

import (
	"context"
	"errors"
	"time"

	hlru "github.com/hashicorp/golang-lru/v2"

	"github.com/unkn0wn-root/rpcq/snapcache"
)

type Cache struct {
	c *hlru.Cache[string, item]
}

var _ snapcache.Cache = (*Cache)(nil)

type item struct {
	b   []byte
	exp time.Time // zero means no expiry
}

type Config struct {
	MaxEntries int
}

func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("lru: invalid config")
	}
	c, err := hlru.New[string, item](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (p *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !it.exp.IsZero() && time.Now().After(it.exp) {
		p.c.Remove(key)
		return nil, false, nil
	}
	return it.b, true, nil
}

func (p *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := item{b: value}
	if ttl > 0 {
		it.exp = time.Now().Add(ttl)
	}
	p.c.Add(key, it)
	return nil
}

func (p *Cache) Del(_ context.Context, key string) error {
	p.c.Remove(key)
	return nil
}

func (p *Cache) Close(_ context.Context) error {
	p.c.Purge()
	return nil
}
