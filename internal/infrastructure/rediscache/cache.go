package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"chainfunnel/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	feedCacheVersionKey = "chainfunnel:feed:version"
	feedCacheKeyPrefix  = "chainfunnel:feed:v"
	defaultCacheTTL     = time.Hour
)

// Store is the part of a feed repository the cache sits in front of.
type Store interface {
	StoreChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error
	ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error)
	BlockHash(ctx context.Context, chainID uint64, blockNumber uint64) (string, bool, error)
	DeleteChainDataFrom(ctx context.Context, chainID uint64, fromBlock uint64) error
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error
	ClearLastProcessedBlock(ctx context.Context, chainID uint64) error
	Ping(ctx context.Context) error
}

type Config struct {
	Addr string
	TTL  time.Duration
}

// CachedRepository serves ChainDataRange reads from redis. Every write bumps a
// version counter so stale ranges are never read back after a store or a
// reorg rewind.
type CachedRepository struct {
	Store
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedRepository(base Store, cfg Config) (*CachedRepository, error) {
	if base == nil {
		return nil, errors.New("base repository is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CachedRepository{Store: base}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CachedRepository{Store: base, cache: client, ttl: cfg.TTL}, nil
}

func (r *CachedRepository) StoreChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error {
	if err := r.Store.StoreChainData(ctx, chainID, blocks); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedRepository) DeleteChainDataFrom(ctx context.Context, chainID uint64, fromBlock uint64) error {
	if err := r.Store.DeleteChainDataFrom(ctx, chainID, fromBlock); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedRepository) ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error) {
	if r.cache == nil {
		return r.Store.ChainDataRange(ctx, chainID, fromBlock, toBlock)
	}
	version, ok := r.cacheVersion(ctx)
	if !ok {
		return r.Store.ChainDataRange(ctx, chainID, fromBlock, toBlock)
	}
	key := rangeCacheKey(version, chainID, fromBlock, toBlock)
	if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
		var blocks []domain.ChainData
		if err := json.Unmarshal([]byte(cached), &blocks); err == nil {
			return blocks, nil
		}
	}

	blocks, err := r.Store.ChainDataRange(ctx, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(blocks)
	if err != nil {
		return blocks, nil
	}
	_ = r.cache.Set(ctx, key, payload, r.ttl).Err()
	return blocks, nil
}

func (r *CachedRepository) Close() error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Close()
}

func (r *CachedRepository) cacheVersion(ctx context.Context) (string, bool) {
	version, err := r.cache.Get(ctx, feedCacheVersionKey).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (r *CachedRepository) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Incr(ctx, feedCacheVersionKey).Err()
}

func rangeCacheKey(version string, chainID, fromBlock, toBlock uint64) string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(feedCacheKeyPrefix)
	b.WriteString(version)
	b.WriteString(":chain=")
	b.WriteString(strconv.FormatUint(chainID, 10))
	b.WriteString(":from=")
	b.WriteString(strconv.FormatUint(fromBlock, 10))
	b.WriteString(":to=")
	b.WriteString(strconv.FormatUint(toBlock, 10))
	return b.String()
}
