package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

const replayKey = keyPrefix + "search:replay"

// ReplayQueue 保存写入搜索索引失败的操作，等待后台重放。
// 队列先进先出：LPUSH 入队，RPOP 出队。
type ReplayQueue struct {
	client *Client
	key    string
}

// NewReplayQueue 创建重放队列
func NewReplayQueue(client *Client) *ReplayQueue {
	return &ReplayQueue{client: client, key: replayKey}
}

// Push 入队一条已编码的操作
func (q *ReplayQueue) Push(ctx context.Context, payload []byte) error {
	return q.client.rdb.LPush(ctx, q.key, payload).Err()
}

// Pop 出队一条操作，队列为空时返回 (nil, false, nil)
func (q *ReplayQueue) Pop(ctx context.Context) ([]byte, bool, error) {
	payload, err := q.client.rdb.RPop(ctx, q.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Len 返回队列长度
func (q *ReplayQueue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.LLen(ctx, q.key).Result()
}
