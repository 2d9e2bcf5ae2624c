package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dedupPrefix = keyPrefix + "dedup:"

// DedupFilter 基于 SETNX 的入库去重快速路径。
//
// 数据库主键仍是去重的最终依据；过滤器只用于在写库之前挡掉近期已见过的邮件。
// 写库失败时调用方必须 Release 已占用的键，否则这些邮件在 TTL 内会被误判为重复。
type DedupFilter struct {
	client *Client
	ttl    time.Duration
}

// NewDedupFilter 创建去重过滤器
func NewDedupFilter(client *Client, ttl time.Duration) *DedupFilter {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DedupFilter{client: client, ttl: ttl}
}

// Claim 尝试占用每个键，返回与 keys 等长的结果：true 表示首次出现
func (f *DedupFilter) Claim(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.BoolCmd, len(keys))
	_, err := f.client.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.SetNX(ctx, dedupPrefix+key, 1, f.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim dedup keys: %w", err)
	}

	fresh := make([]bool, len(keys))
	for i, cmd := range cmds {
		fresh[i] = cmd.Val()
	}
	return fresh, nil
}

// Release 释放占用的键
func (f *DedupFilter) Release(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = dedupPrefix + key
	}
	return f.client.rdb.Del(ctx, full...).Err()
}
