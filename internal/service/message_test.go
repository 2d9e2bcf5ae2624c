package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/ingest"
	"abusedesk/backend/internal/pipeline"
	"abusedesk/backend/internal/storage/memory"
)

// MockOrchestrator 模拟批处理编排
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) Schedule(ids []string) bool {
	args := m.Called(ids)
	return args.Bool(0)
}

func (m *MockOrchestrator) ProcessMessages(ctx context.Context, ids []string) (*pipeline.BatchSummary, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.BatchSummary), args.Error(1)
}

func (m *MockOrchestrator) ProcessUnanalyzed(ctx context.Context, limit int) (*pipeline.BatchSummary, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.BatchSummary), args.Error(1)
}

func newMessageService(store *memory.Store, opts MessageServiceOptions) (*MessageService, *MockIndexer, *recordingPublisher) {
	idx := permissiveIndexer()
	events := &recordingPublisher{}
	tickets := NewTicketService(store, idx, events, nil, zap.NewNop())
	return NewMessageService(store, tickets, idx, events, opts, zap.NewNop()), idx, events
}

func TestMessageService_List(t *testing.T) {
	ctx := context.Background()

	t.Run("列表触发后台分析", func(t *testing.T) {
		store := memory.NewStore()
		seedMessages(t, store, "m1", "m2", "m3")
		_, err := store.MarkMessageAnalyzed(ctx, "m2")
		require.NoError(t, err)

		orchestrator := &MockOrchestrator{}
		orchestrator.On("Schedule", mock.Anything).Return(true)
		service, _, _ := newMessageService(store, MessageServiceOptions{Orchestrator: orchestrator})

		result, err := service.List(ctx, domain.MessageFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Total)

		// 返回处理前的数据
		for _, msg := range result.Messages {
			if msg.ID != "m2" {
				assert.False(t, msg.Analyzed)
			}
		}
		orchestrator.AssertCalled(t, "Schedule", mock.MatchedBy(func(ids []string) bool {
			return assert.ObjectsAreEqual([]string{"m3", "m1"}, ids)
		}))
	})

	t.Run("后台批次大小受限", func(t *testing.T) {
		store := memory.NewStore()
		seedMessages(t, store, "m1", "m2", "m3")

		orchestrator := &MockOrchestrator{}
		orchestrator.On("Schedule", mock.Anything).Return(true)
		service, _, _ := newMessageService(store, MessageServiceOptions{Orchestrator: orchestrator, BackgroundLimit: 2})

		_, err := service.List(ctx, domain.MessageFilter{})
		require.NoError(t, err)
		orchestrator.AssertCalled(t, "Schedule", mock.MatchedBy(func(ids []string) bool { return len(ids) == 2 }))
	})

	t.Run("全部已分析时不调度", func(t *testing.T) {
		store := memory.NewStore()
		seedMessages(t, store, "m1")
		_, err := store.MarkMessageAnalyzed(ctx, "m1")
		require.NoError(t, err)

		orchestrator := &MockOrchestrator{}
		service, _, _ := newMessageService(store, MessageServiceOptions{Orchestrator: orchestrator})

		_, err = service.List(ctx, domain.MessageFilter{})
		require.NoError(t, err)
		orchestrator.AssertNotCalled(t, "Schedule", mock.Anything)
	})
}

func TestMessageService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("有关联时拒绝删除", func(t *testing.T) {
		store := memory.NewStore()
		seedMessages(t, store, "m1")
		service, _, _ := newMessageService(store, MessageServiceOptions{})

		_, err := service.tickets.Create(ctx, CreateTicketInput{Subject: "s", Description: "d", EmailIDs: []string{"m1"}})
		require.NoError(t, err)

		err = service.Delete(ctx, "m1")
		assert.ErrorIs(t, err, domain.ErrMessageHasTickets)
		assert.True(t, domain.IsConflict(err))
	})

	t.Run("强制删除解除关联", func(t *testing.T) {
		store := memory.NewStore()
		seedMessages(t, store, "m1")
		service, idx, events := newMessageService(store, MessageServiceOptions{})

		created, err := service.tickets.Create(ctx, CreateTicketInput{Subject: "s", Description: "d", EmailIDs: []string{"m1"}})
		require.NoError(t, err)

		ticketIDs, err := service.ForceDelete(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, []string{created.TicketID}, ticketIDs)

		_, err = service.Get(ctx, "m1")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)

		ticket, err := store.GetTicket(ctx, created.TicketID)
		require.NoError(t, err)
		assert.Empty(t, ticket.EmailIDs)

		idx.AssertCalled(t, "MessageDeleted", mock.Anything, "m1")
		idx.AssertCalled(t, "TicketUpdated", mock.Anything, mock.Anything)
		assert.Contains(t, events.types(), domain.EventMessageDeleted)
	})

	t.Run("删除不存在的邮件", func(t *testing.T) {
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{})
		assert.ErrorIs(t, service.Delete(ctx, "ghost"), domain.ErrMessageNotFound)
	})
}

func TestMessageService_MarkAnalyzed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedMessages(t, store, "m1")
	service, idx, _ := newMessageService(store, MessageServiceOptions{})

	changed, err := service.MarkAnalyzed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = service.MarkAnalyzed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, changed)

	idx.AssertNumberOfCalls(t, "MessageUpdated", 1)
}

func TestMessageService_LinkFromMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedMessages(t, store, "m1")
	service, _, _ := newMessageService(store, MessageServiceOptions{})

	created, err := service.tickets.Create(ctx, CreateTicketInput{Subject: "s", Description: "d"})
	require.NoError(t, err)

	linked, err := service.LinkTicket(ctx, "m1", created.TicketID)
	require.NoError(t, err)
	assert.True(t, linked)

	tickets, err := service.Tickets(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, created.TicketID, tickets[0].ID)

	require.NoError(t, service.UnlinkTicket(ctx, "m1", created.TicketID))
	tickets, err = service.Tickets(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestMessageService_Process(t *testing.T) {
	ctx := context.Background()
	summary := &pipeline.BatchSummary{Requested: 1, Succeeded: 1}

	t.Run("按 ID 处理", func(t *testing.T) {
		orchestrator := &MockOrchestrator{}
		orchestrator.On("ProcessMessages", mock.Anything, []string{"m1"}).Return(summary, nil)
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{Orchestrator: orchestrator})

		got, err := service.Process(ctx, []string{"m1"}, 0)
		require.NoError(t, err)
		assert.Same(t, summary, got)
	})

	t.Run("未指定 ID 时处理未分析邮件", func(t *testing.T) {
		orchestrator := &MockOrchestrator{}
		orchestrator.On("ProcessUnanalyzed", mock.Anything, 50).Return(summary, nil)
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{Orchestrator: orchestrator})

		_, err := service.Process(ctx, nil, 0)
		require.NoError(t, err)
		orchestrator.AssertExpectations(t)
	})

	t.Run("超过同步上限的 ID 被拒绝", func(t *testing.T) {
		orchestrator := &MockOrchestrator{}
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{Orchestrator: orchestrator, SyncLimit: 2})

		_, err := service.Process(ctx, []string{"m1", "m2", "m3"}, 0)
		assert.True(t, domain.IsValidation(err))
		orchestrator.AssertNotCalled(t, "ProcessMessages", mock.Anything, mock.Anything)
	})

	t.Run("未分析邮件条数被截断到同步上限", func(t *testing.T) {
		orchestrator := &MockOrchestrator{}
		orchestrator.On("ProcessUnanalyzed", mock.Anything, 5).Return(summary, nil).Twice()
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{Orchestrator: orchestrator, SyncLimit: 5})

		_, err := service.Process(ctx, nil, 0)
		require.NoError(t, err)
		_, err = service.Process(ctx, nil, 100)
		require.NoError(t, err)
		orchestrator.AssertExpectations(t)
	})

	t.Run("未配置编排器", func(t *testing.T) {
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{})
		_, err := service.Process(ctx, []string{"m1"}, 0)
		assert.ErrorIs(t, err, ErrProcessingDisabled)
	})
}

func TestMessageService_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("执行一次拉取", func(t *testing.T) {
		store := memory.NewStore()
		src := &ingest.StaticSource{SourceName: "imap", Messages: []ingest.RawMessage{{SourceID: "r1", Sender: "a@example.com", Subject: "s"}}}
		ing := ingest.NewIngestor(store, nil, nil, nil, nil, nil)
		service, _, _ := newMessageService(store, MessageServiceOptions{Ingestor: ing, Source: src})

		report, err := service.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stored)

		_, err = store.GetMessage(ctx, "r1")
		assert.NoError(t, err)
	})

	t.Run("拉取失败", func(t *testing.T) {
		src := &ingest.StaticSource{Err: errors.New("imap down")}
		ing := ingest.NewIngestor(memory.NewStore(), nil, nil, nil, nil, nil)
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{Ingestor: ing, Source: src})

		_, err := service.Fetch(ctx)
		assert.Error(t, err)
	})

	t.Run("未配置邮件源", func(t *testing.T) {
		service, _, _ := newMessageService(memory.NewStore(), MessageServiceOptions{})
		_, err := service.Fetch(ctx)
		assert.ErrorIs(t, err, ErrNoMailSource)
	})
}
