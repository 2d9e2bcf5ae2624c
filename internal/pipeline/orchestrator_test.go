package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/pool"
	"abusedesk/backend/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClassifier 按内容返回固定评估
type stubClassifier struct {
	assessment domain.ThreatAssessment
	err        error
	block      bool

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (c *stubClassifier) Classify(ctx context.Context, _ string) (domain.ThreatAssessment, error) {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if c.block {
		<-ctx.Done()
		return domain.ThreatAssessment{}, ctx.Err()
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return domain.ThreatAssessment{}, c.err
	}
	return c.assessment, nil
}

type recordingIndexer struct {
	mu       sync.Mutex
	tickets  []string
	messages []*domain.Message
}

func (r *recordingIndexer) MessageUpdated(_ context.Context, msg *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingIndexer) TicketCreated(_ context.Context, ticket *domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, ticket.ID)
}

func phishing() domain.ThreatAssessment {
	return domain.ThreatAssessment{
		ThreatType:          domain.TicketTypePhishing,
		ConfidenceScore:     0.9,
		IdentifiedThreats:   []string{"credential harvesting"},
		ExtractedIndicators: []string{"login-bank.example", "10.0.0.5"},
		Summary:             "Fake bank login page",
	}
}

func seed(t *testing.T, store *memory.Store, msgs ...*domain.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.ReceivedAt.IsZero() {
			m.ReceivedAt = time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)
		}
		if m.Sender == "" {
			m.Sender = "reporter@example.com"
		}
	}
	_, err := store.SaveMessages(context.Background(), msgs)
	require.NoError(t, err)
}

func TestProcessMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("钓鱼邮件端到端", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{
			ID:         "m1",
			Recipients: []string{"abuse@isp.net"},
			Subject:    "Your account is locked",
			Body:       "Visit http://login-bank.example hosted on 10.0.0.5",
		})
		indexer := &recordingIndexer{}
		metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry(), nil)
		o := NewOrchestrator(store, &stubClassifier{assessment: phishing()}, indexer, nil, metrics, nil, Options{}, zap.NewNop())

		summary, err := o.ProcessMessages(ctx, []string{"m1"})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Requested)
		assert.Equal(t, 1, summary.Succeeded)
		require.Len(t, summary.TicketIDs, 1)
		assert.Equal(t, StateAnalyzed, summary.Items[0].State)
		assert.Equal(t,
			[]ItemState{StatePending, StateClassified, StateTicketLinked, StateAnalyzed},
			summary.Items[0].History)

		ticket, err := store.GetTicket(ctx, summary.TicketIDs[0])
		require.NoError(t, err)
		assert.Equal(t, domain.TicketTypePhishing, ticket.TicketType)
		assert.Equal(t, domain.TicketStatusOpen, ticket.Status)
		assert.Equal(t, "[Phishing] Your account is locked", ticket.Subject)
		require.NotNil(t, ticket.IPAddress)
		assert.Equal(t, "10.0.0.5", *ticket.IPAddress)
		require.NotNil(t, ticket.ConfidenceScore)
		assert.InDelta(t, 0.9, *ticket.ConfidenceScore, 1e-9)
		assert.Equal(t, []string{"m1"}, ticket.EmailIDs)
		assert.Contains(t, ticket.Description, "Subject: Your account is locked")
		assert.Contains(t, ticket.Description, "Summary: Fake bank login page")

		msg, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, msg.Analyzed)
		assert.Equal(t, []string{ticket.ID}, msg.TicketIDs)

		assert.Equal(t, []string{ticket.ID}, indexer.tickets)
		require.Len(t, indexer.messages, 1)
		assert.True(t, indexer.messages[0].Analyzed)

		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TicketsCreated.WithLabelValues("Phishing", "pipeline")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineItems.WithLabelValues(string(StateAnalyzed))))

		// 再次处理被跳过，不产生第二张工单
		again, err := o.ProcessMessages(ctx, []string{"m1"})
		require.NoError(t, err)
		assert.Equal(t, 1, again.Skipped)
		assert.Empty(t, again.TicketIDs)
	})

	t.Run("分类失败不影响其他条目", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"})
		o := NewOrchestrator(store, &stubClassifier{err: errors.New("inference service unavailable")}, nil, nil, nil, nil, Options{}, nil)

		summary, err := o.ProcessMessages(ctx, []string{"m1", "missing"})
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Failed)
		require.Len(t, summary.Failures, 2)

		stages := map[string]string{}
		for _, f := range summary.Failures {
			stages[f.MessageID] = f.Stage
		}
		assert.Equal(t, StageClassify, stages["m1"])
		assert.Equal(t, StageLoad, stages["missing"])
		for _, item := range summary.Items {
			assert.Equal(t, []ItemState{StatePending, StateFailed}, item.History, item.MessageID)
		}

		msg, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, msg.Analyzed)
	})

	t.Run("跳过已分析与出站邮件", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store,
			&domain.Message{ID: "done", Subject: "a", Analyzed: true},
			&domain.Message{ID: "out", Subject: "b", IsSent: true},
		)
		classifier := &stubClassifier{assessment: phishing()}
		o := NewOrchestrator(store, classifier, nil, nil, nil, nil, Options{}, nil)

		summary, err := o.ProcessMessages(ctx, []string{"done", "out"})
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Skipped)
		assert.Equal(t, int32(0), classifier.calls.Load())
	})

	t.Run("单条超时只影响该条目", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"})
		o := NewOrchestrator(store, &stubClassifier{block: true}, nil, nil, nil, nil, Options{ItemTimeout: 50 * time.Millisecond}, nil)

		summary, err := o.ProcessMessages(ctx, []string{"m1"})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, StageClassify, summary.Failures[0].Stage)
	})

	t.Run("重复 ID 只处理一次", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"})
		classifier := &stubClassifier{assessment: phishing()}
		o := NewOrchestrator(store, classifier, nil, nil, nil, nil, Options{}, nil)

		summary, err := o.ProcessMessages(ctx, []string{"m1", "m1", ""})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Requested)
		assert.Equal(t, int32(1), classifier.calls.Load())
	})

	t.Run("并发数受限", func(t *testing.T) {
		store := memory.NewStore()
		ids := make([]string, 12)
		for i := range ids {
			ids[i] = fmt.Sprintf("m%d", i)
			seed(t, store, &domain.Message{ID: ids[i], Subject: ids[i]})
		}
		classifier := &stubClassifier{assessment: phishing(), delay: 10 * time.Millisecond}
		o := NewOrchestrator(store, classifier, nil, nil, nil, nil, Options{Concurrency: 3}, nil)

		summary, err := o.ProcessMessages(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 12, summary.Succeeded)
		assert.LessOrEqual(t, classifier.maxSeen.Load(), int32(3))
	})

	t.Run("并发处理同一邮件只产生一张工单", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"})
		o := NewOrchestrator(store, &stubClassifier{assessment: phishing(), delay: 5 * time.Millisecond}, nil, nil, nil, nil, Options{}, nil)

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				summary, err := o.ProcessMessages(ctx, []string{"m1"})
				if err == nil {
					succeeded.Add(int32(summary.Succeeded))
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		tickets, err := store.ListMessageTickets(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, tickets, 1)
	})

	t.Run("已取消的上下文", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		o := NewOrchestrator(memory.NewStore(), &stubClassifier{}, nil, nil, nil, nil, Options{}, nil)
		_, err := o.ProcessMessages(cctx, []string{"m1"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProcessUnanalyzed(t *testing.T) {
	store := memory.NewStore()
	seed(t, store,
		&domain.Message{ID: "old", Subject: "a"},
		&domain.Message{ID: "new", Subject: "b"},
		&domain.Message{ID: "out", Subject: "c", IsSent: true},
	)
	o := NewOrchestrator(store, &stubClassifier{assessment: phishing()}, nil, nil, nil, nil, Options{}, nil)

	summary, err := o.ProcessUnanalyzed(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summary.Items, 1)
	assert.Equal(t, "old", summary.Items[0].MessageID)

	summary, err = o.ProcessUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, "new", summary.Items[0].MessageID)
}

func TestSchedule(t *testing.T) {
	t.Run("后台处理并释放占用", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"}, &domain.Message{ID: "m2", Subject: "b"})

		workers := pool.NewWorkerPool(1, 4, nil, zap.NewNop())
		workers.Start(context.Background())
		defer workers.Stop()

		o := NewOrchestrator(store, &stubClassifier{assessment: phishing()}, nil, nil, nil, workers, Options{}, nil)
		require.True(t, o.Schedule([]string{"m1", "m2"}))

		require.Eventually(t, func() bool {
			m1, err1 := store.GetMessage(context.Background(), "m1")
			m2, err2 := store.GetMessage(context.Background(), "m2")
			return err1 == nil && err2 == nil && m1.Analyzed && m2.Analyzed && !o.InFlight("m1") && !o.InFlight("m2")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("处理中的邮件不重复入队", func(t *testing.T) {
		store := memory.NewStore()
		seed(t, store, &domain.Message{ID: "m1", Subject: "a"})

		workers := pool.NewWorkerPool(1, 4, nil, zap.NewNop())
		workers.Start(context.Background())
		defer workers.Stop()

		classifier := &stubClassifier{assessment: phishing(), delay: 100 * time.Millisecond}
		o := NewOrchestrator(store, classifier, nil, nil, nil, workers, Options{}, nil)

		require.True(t, o.Schedule([]string{"m1"}))
		assert.True(t, o.InFlight("m1"))
		assert.False(t, o.Schedule([]string{"m1"}))

		require.Eventually(t, func() bool { return !o.InFlight("m1") }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), classifier.calls.Load())
	})

	t.Run("没有协程池时不调度", func(t *testing.T) {
		o := NewOrchestrator(memory.NewStore(), &stubClassifier{}, nil, nil, nil, nil, Options{}, nil)
		assert.False(t, o.Schedule([]string{"m1"}))
		assert.False(t, o.InFlight("m1"))
	})

	t.Run("协程池已满时释放占用", func(t *testing.T) {
		workers := pool.NewWorkerPool(1, 0, nil, zap.NewNop())
		// 未启动的协程池没有消费者，无缓冲队列立即拒绝
		o := NewOrchestrator(memory.NewStore(), &stubClassifier{}, nil, nil, nil, workers, Options{}, nil)
		assert.False(t, o.Schedule([]string{"m1"}))
		assert.False(t, o.InFlight("m1"))
		workers.Stop()
	})
}
