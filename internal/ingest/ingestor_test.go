package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/storage"
	"abusedesk/backend/internal/storage/memory"
	"abusedesk/backend/internal/storage/redis"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

type recordingIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIndexer) MessageCreated(_ context.Context, msg *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.ID)
}

// failingStore 写库总是失败
type failingStore struct {
	storage.MessageRepository
}

func (failingStore) SaveMessages(context.Context, []*domain.Message) ([]*domain.Message, error) {
	return nil, errors.New("database is down")
}

func report(id, subject string) RawMessage {
	return RawMessage{
		SourceID:   id,
		Sender:     "reporter@example.com",
		Recipients: []string{"abuse@isp.net"},
		Subject:    subject,
		Body:       "body of " + subject,
		ReceivedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newDedup(t *testing.T) (*redis.DedupFilter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return redis.NewDedupFilter(client, time.Hour), mr
}

func TestIngestorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("入库并发布事件", func(t *testing.T) {
		store := memory.NewStore()
		events := &recordingPublisher{}
		indexer := &recordingIndexer{}
		metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry(), nil)
		ing := NewIngestor(store, nil, indexer, events, metrics, zap.NewNop())

		src := &StaticSource{SourceName: "imap", Messages: []RawMessage{
			report("<r1@example.com>", "first"),
			report("r2@example.com", "second"),
		}}
		rep, err := ing.Run(ctx, src)
		require.NoError(t, err)

		assert.Equal(t, "imap", rep.Source)
		assert.Equal(t, 2, rep.Fetched)
		assert.Equal(t, 2, rep.Stored)
		assert.Equal(t, 0, rep.Duplicates)
		assert.ElementsMatch(t, []string{"r1@example.com", "r2@example.com"}, rep.MessageIDs)
		assert.ElementsMatch(t, rep.MessageIDs, indexer.ids)

		require.Len(t, events.events, 2)
		assert.Equal(t, domain.EventMessageIngested, events.events[0].Type)
		assert.Equal(t, domain.TopicMessages, events.events[0].Topic)

		msg, err := store.GetMessage(ctx, "r1@example.com")
		require.NoError(t, err)
		assert.False(t, msg.Analyzed)
		assert.Equal(t, "first", msg.Subject)

		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.MessagesStored.WithLabelValues("imap")))
	})

	t.Run("重复运行不产生新邮件", func(t *testing.T) {
		store := memory.NewStore()
		ing := NewIngestor(store, nil, nil, nil, nil, nil)
		src := &StaticSource{Messages: []RawMessage{report("r1", "a"), report("r1", "a"), report("", "no id")}}

		first, err := ing.Run(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, 2, first.Stored)
		assert.Equal(t, 1, first.Duplicates)

		second, err := ing.Run(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, 0, second.Stored)
		assert.Equal(t, 3, second.Duplicates)
		assert.Empty(t, second.MessageIDs)

		list, err := store.ListMessages(ctx, domain.MessageFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, list.Total)
	})

	t.Run("拉取失败时不写入", func(t *testing.T) {
		store := memory.NewStore()
		ing := NewIngestor(store, nil, nil, nil, nil, nil)
		src := &StaticSource{Messages: []RawMessage{report("r1", "a")}, Err: errors.New("connection reset")}

		rep, err := ing.Run(ctx, src)
		require.Error(t, err)
		assert.Nil(t, rep)

		list, err := store.ListMessages(ctx, domain.MessageFilter{})
		require.NoError(t, err)
		assert.Equal(t, 0, list.Total)
	})

	t.Run("缺少接收时间时使用当前时间", func(t *testing.T) {
		store := memory.NewStore()
		ing := NewIngestor(store, nil, nil, nil, nil, nil)
		fixed := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		ing.now = func() time.Time { return fixed }

		raw := report("r1", "a")
		raw.ReceivedAt = time.Time{}
		_, err := ing.Accept(ctx, "smtp", []RawMessage{raw})
		require.NoError(t, err)

		msg, err := store.GetMessage(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, fixed.Equal(msg.ReceivedAt))
	})
}

func TestIngestorDedupFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("Redis 已见过的邮件不再写库", func(t *testing.T) {
		dedup, _ := newDedup(t)
		store := memory.NewStore()
		ing := NewIngestor(store, dedup, nil, nil, nil, nil)

		_, err := ing.Accept(ctx, "smtp", []RawMessage{report("r1", "a")})
		require.NoError(t, err)

		// 另一个存储实例模拟第二个进程：Redis 仍会挡住重复
		other := NewIngestor(memory.NewStore(), dedup, nil, nil, nil, nil)
		rep, err := other.Accept(ctx, "smtp", []RawMessage{report("r1", "a"), report("r2", "b")})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stored)
		assert.Equal(t, 1, rep.Duplicates)
		assert.Equal(t, []string{"r2"}, rep.MessageIDs)
	})

	t.Run("写库失败时释放占用的键", func(t *testing.T) {
		dedup, mr := newDedup(t)
		ing := NewIngestor(failingStore{}, dedup, nil, nil, nil, nil)

		_, err := ing.Accept(ctx, "smtp", []RawMessage{report("r1", "a")})
		require.Error(t, err)
		assert.False(t, mr.Exists("abusedesk:dedup:r1"))

		// 恢复后可以重新入库
		store := memory.NewStore()
		rep, err := NewIngestor(store, dedup, nil, nil, nil, nil).Accept(ctx, "smtp", []RawMessage{report("r1", "a")})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stored)
	})

	t.Run("Redis 不可用时退化为直接写库", func(t *testing.T) {
		dedup, mr := newDedup(t)
		mr.Close()

		store := memory.NewStore()
		ing := NewIngestor(store, dedup, nil, nil, nil, nil)
		rep, err := ing.Accept(ctx, "smtp", []RawMessage{report("r1", "a")})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stored)
	})
}

func TestProperty_IdempotentIngestion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated_batches_store_each_message_once", prop.ForAll(
		func(keys []int) bool {
			ctx := context.Background()
			store := memory.NewStore()
			ing := NewIngestor(store, nil, nil, nil, nil, nil)

			raws := make([]RawMessage, len(keys))
			distinct := make(map[int]struct{})
			for i, k := range keys {
				// 一半的 key 没有 Message-ID，走指纹路径
				id := ""
				if k%2 == 0 {
					id = fmt.Sprintf("<m%d@example.com>", k)
				}
				raws[i] = report(id, fmt.Sprintf("subject %d", k))
				distinct[k] = struct{}{}
			}

			first, err := ing.Accept(ctx, "static", raws)
			if err != nil || first.Stored != len(distinct) || first.Duplicates != len(keys)-len(distinct) {
				return false
			}
			second, err := ing.Accept(ctx, "static", raws)
			if err != nil || second.Stored != 0 || second.Duplicates != len(keys) {
				return false
			}

			list, err := store.ListMessages(ctx, domain.MessageFilter{PageSize: 100})
			return err == nil && list.Total == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}
