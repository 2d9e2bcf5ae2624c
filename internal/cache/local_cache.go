package cache

import (
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 支持 TTL 过期
// - 容量限制，满时淘汰最早过期的条目
// - 后台定期清理过期条目，Close 后停止
type LocalCache[V any] struct {
	mu      sync.Mutex
	data    map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 默认过期时间
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &LocalCache[V]{
		data:    make(map[string]cacheEntry[V], maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	// 启动定期清理
	go c.cleanupLoop(time.Minute)

	return c
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}

	// 检查是否过期
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		var zero V
		return zero, false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Close 停止后台清理
func (c *LocalCache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

// evictLocked 删除所有过期条目；仍然满时删除最早过期的一条
func (c *LocalCache[V]) evictLocked() {
	now := c.now()
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, entry := range c.data {
		if now.After(entry.expiresAt) {
			delete(c.data, key)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = key, entry.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache[V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, entry := range c.data {
				if now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
