package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"

	"abusedesk/backend/internal/domain"
)

// ========== Search Handlers ==========

// searchParams 解析通用搜索参数：q、offset、size、sort
func searchParams(c *gin.Context) (query string, offset, size int, ascending, ok bool) {
	query = strings.TrimSpace(c.Query("q"))
	if offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	if size, ok = queryInt(c, "size"); !ok {
		return
	}
	ascending = strings.EqualFold(c.Query("sort"), "asc")
	return query, offset, size, ascending, true
}

// searchMessages godoc
// @Summary 搜索邮件
// @Tags Messages
// @Produce json
// @Param q query string false "关键词"
// @Param analyzed query bool false "是否已分析"
// @Param isSent query bool false "是否出站"
// @Param hasTickets query bool false "是否已关联工单"
// @Param offset query int false "偏移量"
// @Param size query int false "数量（最大 100）"
// @Param sort query string false "asc 为正序"
// @Success 200 {object} Response{data=domain.MessageSearchResult}
// @Failure 503 {object} Response
// @Router /v1/messages/search [get]
func (h *Handler) searchMessages(c *gin.Context) {
	query, offset, size, ascending, ok := searchParams(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}

	criteria := domain.MessageSearchCriteria{Query: query, Offset: offset, Size: size, Ascending: ascending}
	var okAnalyzed, okSent, okTickets bool
	criteria.Analyzed, okAnalyzed = queryBool(c, "analyzed")
	criteria.IsSent, okSent = queryBool(c, "isSent")
	criteria.HasTickets, okTickets = queryBool(c, "hasTickets")
	if !okAnalyzed || !okSent || !okTickets {
		BadRequest(c, MsgInvalidFilter)
		return
	}

	result, err := h.search.SearchMessages(c.Request.Context(), criteria)
	if err != nil {
		respondError(c, err, MsgSearchFailed)
		return
	}
	Success(c, result)
}

// searchTickets godoc
// @Summary 搜索工单
// @Tags Tickets
// @Produce json
// @Param q query string false "关键词"
// @Param status query string false "状态"
// @Param type query string false "类型"
// @Param hasEmails query bool false "是否已关联邮件"
// @Success 200 {object} Response{data=domain.TicketSearchResult}
// @Failure 503 {object} Response
// @Router /v1/tickets/search [get]
func (h *Handler) searchTickets(c *gin.Context) {
	query, offset, size, ascending, ok := searchParams(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}

	criteria := domain.TicketSearchCriteria{Query: query, Offset: offset, Size: size, Ascending: ascending}
	var err error
	if criteria.Status, err = statusParam(c.Query("status")); err != nil {
		respondError(c, err, "")
		return
	}
	if criteria.TicketType, err = typeParam(c.Query("type")); err != nil {
		respondError(c, err, "")
		return
	}
	if criteria.HasEmails, ok = queryBool(c, "hasEmails"); !ok {
		BadRequest(c, MsgInvalidFilter)
		return
	}

	result, err := h.search.SearchTickets(c.Request.Context(), criteria)
	if err != nil {
		respondError(c, err, MsgSearchFailed)
		return
	}
	Success(c, result)
}
