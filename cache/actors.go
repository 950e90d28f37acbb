package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/go-redis/cache/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "actor:"

// ActorCache keeps recently resolved remote actors. The local tier is a
// TinyLFU cache; when a redis URL is configured entries are shared through
// redis as well, so several processes see the same refreshed keys.
type ActorCache struct {
	cache  *cache.Cache
	client *redis.Client
	ttl    time.Duration
	log    *log.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewActorCache builds the cache from the configuration. An empty RedisURL
// keeps everything in process.
func NewActorCache(ctx context.Context, conf *util.AppConfig, logger *log.Logger) (*ActorCache, error) {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(conf.Conf.ActorCacheSize, conf.Conf.ActorCacheTTL),
	}

	var client *redis.Client
	if conf.Conf.RedisURL != "" {
		redisOpts, err := redis.ParseURL(conf.Conf.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing redis url")
		}
		client = redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "connecting to redis")
		}
		opts.Redis = client
	}

	c := &ActorCache{
		cache:  cache.New(opts),
		client: client,
		ttl:    conf.Conf.ActorCacheTTL,
		log:    logger.WithPrefix("cache"),
	}
	c.log.Debug("Actor cache ready", "size", conf.Conf.ActorCacheSize, "ttl", conf.Conf.ActorCacheTTL, "redis", client != nil)
	return c, nil
}

// Get returns the cached actor for uri, or false on a miss.
func (c *ActorCache) Get(ctx context.Context, uri string) (*domain.Actor, bool) {
	var actor domain.Actor
	err := c.cache.Get(ctx, keyPrefix+uri, &actor)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.Warn("Actor cache read failed", "uri", uri, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &actor, true
}

// Set stores a remote actor. Local actors are never cached since they
// carry private keys.
func (c *ActorCache) Set(ctx context.Context, actor *domain.Actor) error {
	if actor.IsLocal() {
		return nil
	}
	return errors.Wrap(c.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   keyPrefix + actor.URI,
		Value: actor,
		TTL:   c.ttl,
	}), "caching actor")
}

// Invalidate drops uri from every tier, for example after a key rotation.
func (c *ActorCache) Invalidate(ctx context.Context, uri string) error {
	err := c.cache.Delete(ctx, keyPrefix+uri)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return errors.Wrap(err, "invalidating actor")
}

func (c *ActorCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ActorCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
