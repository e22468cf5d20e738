// Package redis is the shared second-level content cache. Values are stored
// as JSON envelopes together with their invalidation tags, and every tag is
// mirrored into a Redis set so a purge can find its keys without SCAN.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"content-core/pkg/cache"

	"github.com/redis/rueidis"
)

type RedisCache struct {
	client rueidis.Client
	name   string
	config RedisCacheConfig
	now    func() time.Time
}

type RedisCacheConfig struct {
	Name string
	// Addr is the server address in single node mode, e.g. "localhost:6379".
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is ignored in cluster mode.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode when set.
	SentinelAddrs     []string
	SentinelMasterSet string
	SentinelUsername  string
	SentinelPassword  string

	// TTL resolves the lifetime of entries written without one.
	TTL cache.LayerConfig
}

func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         "L2",
		Addr:         "localhost:6379",
		KeyPrefix:    "content:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		TTL: cache.LayerConfig{
			Name:       "L2",
			DefaultTTL: 10 * time.Minute,
			MaxTTL:     time.Hour,
		},
	}
}

// ClusterCacheConfig returns a configuration for cluster mode.
func ClusterCacheConfig(name string, clusterAddrs []string, password string) RedisCacheConfig {
	config := DefaultRedisCacheConfig()
	config.Name = name
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// SentinelCacheConfig returns a configuration for sentinel mode.
func SentinelCacheConfig(name string, sentinelAddrs []string, masterSet, password string) RedisCacheConfig {
	config := DefaultRedisCacheConfig()
	config.Name = name
	config.SentinelAddrs = sentinelAddrs
	config.SentinelMasterSet = masterSet
	config.Password = password
	config.Addr = ""
	return config
}

func (c RedisCacheConfig) initAddress() ([]string, error) {
	switch {
	case len(c.ClusterAddrs) > 0:
		return c.ClusterAddrs, nil
	case len(c.SentinelAddrs) > 0:
		return c.SentinelAddrs, nil
	case c.Addr != "":
		return []string{c.Addr}, nil
	}
	return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
}

// NewRedisCache connects and pings the server.
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	if config.Name == "" {
		config.Name = "L2"
	}
	if config.TTL.Name == "" {
		config.TTL.Name = config.Name
	}
	if err := config.TTL.Validate(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	initAddress, err := config.initAddress()
	if err != nil {
		return nil, err
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisCache{
		client: client,
		name:   config.Name,
		config: config,
		now:    time.Now,
	}, nil
}

// envelope is the stored form of an entry.
type envelope struct {
	Value     json.RawMessage `json:"v"`
	Tags      []string        `json:"t,omitempty"`
	CreatedAt int64           `json:"c"`
	ExpiresAt int64           `json:"e"`
}

func (r *RedisCache) key(key string) string { return r.config.KeyPrefix + key }

func (r *RedisCache) tagKey(tag string) string { return r.config.KeyPrefix + "tag:" + tag }

// Get returns the stored JSON as a json.RawMessage; callers decode it into
// their own types.
func (r *RedisCache) Get(ctx context.Context, key string) (interface{}, error) {
	e, err := r.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry returns the entry with its tags and expiry. Value is a
// json.RawMessage.
func (r *RedisCache) GetEntry(ctx context.Context, key string) (*cache.CacheEntry, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.key(key)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("redis get: failed to unmarshal: %w", err)
	}

	return &cache.CacheEntry{
		Key:       key,
		Value:     env.Value,
		Tags:      env.Tags,
		CreatedAt: time.Unix(env.CreatedAt, 0),
		ExpiresAt: time.Unix(env.ExpiresAt, 0),
	}, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.SetWithOptions(ctx, key, value, cache.SetOptions{TTL: ttl})
}

// SetWithOptions stores value and adds key to the set of each tag.
func (r *RedisCache) SetWithOptions(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	ttl := r.config.TTL.EffectiveTTL(opts.TTL)
	if ttl < time.Second {
		ttl = time.Second
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis set: failed to marshal: %w", err)
	}
	now := r.now()
	data, err := json.Marshal(envelope{
		Value:     raw,
		Tags:      opts.Tags,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("redis set: failed to marshal envelope: %w", err)
	}

	fullKey := r.key(key)
	cmds := make(rueidis.Commands, 0, 1+2*len(opts.Tags))
	cmds = append(cmds, r.client.B().Set().Key(fullKey).Value(rueidis.BinaryString(data)).Ex(ttl).Build())

	// Tag sets outlive their members; stale members are harmless on purge.
	tagTTL := ttl
	if r.config.TTL.MaxTTL > tagTTL {
		tagTTL = r.config.TTL.MaxTTL
	}
	for _, tag := range opts.Tags {
		tk := r.tagKey(tag)
		cmds = append(cmds,
			r.client.B().Sadd().Key(tk).Member(fullKey).Build(),
			r.client.B().Expire().Key(tk).Seconds(int64(tagTTL/time.Second)).Build(),
		)
	}

	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(r.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// InvalidateTag deletes every key recorded under tag, then the tag set.
func (r *RedisCache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	tk := r.tagKey(tag)
	members, err := r.client.Do(ctx, r.client.B().Smembers().Key(tk).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("redis invalidate %s: %w", tag, err)
	}

	// One DEL per key keeps members in different cluster slots apart.
	removed := 0
	if len(members) > 0 {
		cmds := make(rueidis.Commands, 0, len(members))
		for _, m := range members {
			cmds = append(cmds, r.client.B().Del().Key(m).Build())
		}
		var errs []error
		for i, resp := range r.client.DoMulti(ctx, cmds...) {
			n, err := resp.AsInt64()
			if err != nil {
				errs = append(errs, fmt.Errorf("key %s: %w", members[i], err))
				continue
			}
			removed += int(n)
		}
		if len(errs) > 0 {
			return removed, fmt.Errorf("redis invalidate %s: %w", tag, errors.Join(errs...))
		}
	}

	if err := r.client.Do(ctx, r.client.B().Del().Key(tk).Build()).Error(); err != nil {
		return removed, fmt.Errorf("redis invalidate %s: %w", tag, err)
	}
	return removed, nil
}

func (r *RedisCache) Name() string {
	return r.name
}

func (r *RedisCache) Close() error {
	r.client.Close()
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// FlushDB removes everything in the selected database. Tests only.
func (r *RedisCache) FlushDB(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	seconds, err := r.client.Do(ctx, r.client.B().Ttl().Key(r.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	switch seconds {
	case -2:
		return 0, cache.ErrCacheMiss
	case -1:
		return -1, nil
	}
	return time.Duration(seconds) * time.Second, nil
}
