package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage/memory"
)

// MockIndexer 模拟索引投影
type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) MessageUpdated(ctx context.Context, msg *domain.Message) {
	m.Called(ctx, msg)
}

func (m *MockIndexer) MessageDeleted(ctx context.Context, id string) {
	m.Called(ctx, id)
}

func (m *MockIndexer) TicketCreated(ctx context.Context, ticket *domain.Ticket) {
	m.Called(ctx, ticket)
}

func (m *MockIndexer) TicketUpdated(ctx context.Context, ticket *domain.Ticket) {
	m.Called(ctx, ticket)
}

// permissiveIndexer 接受任意调用
func permissiveIndexer() *MockIndexer {
	idx := &MockIndexer{}
	idx.On("MessageUpdated", mock.Anything, mock.Anything).Maybe()
	idx.On("MessageDeleted", mock.Anything, mock.Anything).Maybe()
	idx.On("TicketCreated", mock.Anything, mock.Anything).Maybe()
	idx.On("TicketUpdated", mock.Anything, mock.Anything).Maybe()
	return idx
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func seedMessages(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	msgs := make([]*domain.Message, len(ids))
	for i, id := range ids {
		msgs[i] = &domain.Message{
			ID:         id,
			Sender:     "reporter@example.com",
			Recipients: []string{"abuse@isp.net"},
			Subject:    "report " + id,
			Body:       "body",
			ReceivedAt: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		}
	}
	_, err := store.SaveMessages(context.Background(), msgs)
	require.NoError(t, err)
}

func ptr[T any](v T) *T {
	return &v
}
