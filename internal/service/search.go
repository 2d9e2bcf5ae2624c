package service

import (
	"context"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/search"
)

// Searcher 搜索后端（search.Client 实现）
type Searcher interface {
	SearchMessages(ctx context.Context, criteria domain.MessageSearchCriteria) (*domain.MessageSearchResult, error)
	SearchTickets(ctx context.Context, criteria domain.TicketSearchCriteria) (*domain.TicketSearchResult, error)
}

// SearchService 搜索服务
//
// 搜索结果来自索引投影，可能落后于关系库。
type SearchService struct {
	searcher Searcher
}

// NewSearchService 创建搜索服务，searcher 为 nil 表示搜索未启用
func NewSearchService(searcher Searcher) *SearchService {
	return &SearchService{searcher: searcher}
}

// Enabled 搜索是否可用
func (s *SearchService) Enabled() bool {
	return s.searcher != nil
}

// SearchMessages 搜索邮件
func (s *SearchService) SearchMessages(ctx context.Context, criteria domain.MessageSearchCriteria) (*domain.MessageSearchResult, error) {
	if s.searcher == nil {
		return nil, search.ErrDisabled
	}
	criteria.Offset, criteria.Size = domain.NormalizePaging(criteria.Offset, criteria.Size)
	return s.searcher.SearchMessages(ctx, criteria)
}

// SearchTickets 搜索工单
func (s *SearchService) SearchTickets(ctx context.Context, criteria domain.TicketSearchCriteria) (*domain.TicketSearchResult, error) {
	if s.searcher == nil {
		return nil, search.ErrDisabled
	}
	criteria.Offset, criteria.Size = domain.NormalizePaging(criteria.Offset, criteria.Size)
	return s.searcher.SearchTickets(ctx, criteria)
}
