package ghcache

import (
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisCache is the remote key-value Cache backend. It supports separate
// read and write endpoints (as offered by managed Redis/ElastiCache
// deployments): writes always go to the primary pool, reads go to the
// reader pool when one is configured, otherwise also to the primary.
type RedisCache struct {
	writePool *redis.Pool
	readPool  *redis.Pool
}

// RedisConfig configures a RedisCache. ReaderAddress may be empty, in
// which case reads are served from the primary pool too.
type RedisConfig struct {
	PrimaryAddress string
	ReaderAddress  string
	Password       string
	UseTLS         bool
}

// NewRedisCache dials (lazily, via connection pools) the configured Redis
// endpoint(s).
func NewRedisCache(cfg RedisConfig) *RedisCache {
	dial := func(address string) func() (redis.Conn, error) {
		return func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialConnectTimeout(5 * time.Second)}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			if cfg.UseTLS {
				opts = append(opts, redis.DialUseTLS(true))
			}
			return redis.Dial("tcp", address, opts...)
		}
	}

	writePool := &redis.Pool{
		Dial:        dial(cfg.PrimaryAddress),
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
	}

	readerAddress := cfg.ReaderAddress
	if readerAddress == "" {
		readerAddress = cfg.PrimaryAddress
	}
	readPool := writePool
	if readerAddress != cfg.PrimaryAddress {
		readPool = &redis.Pool{
			Dial:        dial(readerAddress),
			MaxIdle:     8,
			IdleTimeout: 240 * time.Second,
		}
	}

	return &RedisCache{writePool: writePool, readPool: readPool}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) Contains(key CacheKey) (bool, error) {
	keyBytes, err := encodeKey(key)
	if err != nil {
		return false, err
	}
	conn := c.readPool.Get()
	defer conn.Close()
	n, err := redis.Int(conn.Do("EXISTS", keyBytes))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Get(key CacheKey) (*CachedResponse, error) {
	keyBytes, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	conn := c.readPool.Get()
	defer conn.Close()
	data, err := redis.Bytes(conn.Do("GET", keyBytes))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

func (c *RedisCache) Put(key CacheKey, resp *CachedResponse) error {
	keyBytes, err := encodeKey(key)
	if err != nil {
		return err
	}
	valueBytes, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	conn := c.writePool.Get()
	defer conn.Close()
	_, err = conn.Do("SET", keyBytes, valueBytes)
	return err
}

func (c *RedisCache) Iterate(visit func(CacheKey) bool) error {
	conn := c.readPool.Get()
	defer conn.Close()

	cursor := 0
	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor))
		if err != nil {
			return err
		}
		if len(reply) != 2 {
			return fmt.Errorf("ghcache: unexpected SCAN reply shape")
		}
		cursor, err = redis.Int(reply[0], nil)
		if err != nil {
			return err
		}
		rawKeys, err := redis.ByteSlices(reply[1], nil)
		if err != nil {
			return err
		}
		for _, rk := range rawKeys {
			var key CacheKey
			if decErr := decodeKeyInto(rk, &key); decErr != nil {
				continue
			}
			if !visit(key) {
				return nil
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (c *RedisCache) Len() (int, error) {
	conn := c.readPool.Get()
	defer conn.Close()
	return redis.Int(conn.Do("DBSIZE"))
}

func (c *RedisCache) ByteSize() (int64, error) {
	conn := c.readPool.Get()
	defer conn.Close()
	info, err := redis.String(conn.Do("INFO", "memory"))
	if err != nil {
		return 0, err
	}
	return parseUsedMemory(info)
}
