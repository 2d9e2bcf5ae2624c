package httptransport

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"abusedesk/backend/internal/domain"
)

// ========== Message Handlers ==========

type processRequest struct {
	IDs   []string `json:"ids"`
	Limit int      `json:"limit"`
}

type forceDeleteResponse struct {
	ID        string   `json:"id"`
	TicketIDs []string `json:"ticketIds"`
}

type markAnalyzedResponse struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}

// listMessages godoc
// @Summary 获取邮件列表
// @Description 分页列出邮件；当前页中未分析的入站邮件会在后台进行威胁分析
// @Tags Messages
// @Produce json
// @Param analyzed query bool false "按分析状态过滤"
// @Param isSent query bool false "按出站/入站过滤"
// @Param page query int false "页码"
// @Param pageSize query int false "每页数量"
// @Success 200 {object} Response{data=domain.MessageListResult}
// @Router /v1/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	page, pageSize, ok := pageParams(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}
	analyzed, ok := queryBool(c, "analyzed")
	if !ok {
		BadRequest(c, MsgInvalidFilter)
		return
	}
	isSent, ok := queryBool(c, "isSent")
	if !ok {
		BadRequest(c, MsgInvalidFilter)
		return
	}

	result, err := h.messages.List(c.Request.Context(), domain.MessageFilter{
		Analyzed: analyzed,
		IsSent:   isSent,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		respondError(c, err, MsgMessageListFail)
		return
	}
	Success(c, result)
}

// processMessages godoc
// @Summary 同步批处理邮件
// @Description 给定 ids 时处理这些邮件，否则处理最早的 limit 封未分析邮件
// @Tags Messages
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=pipeline.BatchSummary}
// @Failure 503 {object} Response
// @Router /v1/messages/process [post]
func (h *Handler) processMessages(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.Limit < 0 {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	summary, err := h.messages.Process(c.Request.Context(), req.IDs, req.Limit)
	if err != nil {
		respondError(c, err, MsgProcessFailed)
		return
	}
	Success(c, summary)
}

// fetchMessages 立即执行一次拉取式摄取
func (h *Handler) fetchMessages(c *gin.Context) {
	report, err := h.messages.Fetch(c.Request.Context())
	if err != nil {
		respondError(c, err, MsgFetchFailed)
		return
	}
	Success(c, report)
}

func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, msg)
}

// deleteMessage godoc
// @Summary 删除邮件
// @Description 邮件仍关联工单时返回 409
// @Tags Messages
// @Param id path string true "邮件ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /v1/messages/{id} [delete]
func (h *Handler) deleteMessage(c *gin.Context) {
	id := c.Param("id")
	if err := h.messages.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err, "")
		return
	}
	SuccessWithMsg(c, "删除成功", gin.H{"id": id})
}

// forceDeleteMessage 解除全部关联后删除邮件
func (h *Handler) forceDeleteMessage(c *gin.Context) {
	id := c.Param("id")
	ticketIDs, err := h.messages.ForceDelete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "")
		return
	}
	SuccessWithMsg(c, "删除成功", forceDeleteResponse{ID: id, TicketIDs: ticketIDs})
}

func (h *Handler) markMessageAnalyzed(c *gin.Context) {
	id := c.Param("id")
	changed, err := h.messages.MarkAnalyzed(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, markAnalyzedResponse{ID: id, Changed: changed})
}

func (h *Handler) listMessageTickets(c *gin.Context) {
	tickets, err := h.messages.Tickets(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, tickets)
}

func (h *Handler) linkMessageTicket(c *gin.Context) {
	h.link(c, c.Param("ticketId"), c.Param("id"))
}

func (h *Handler) unlinkMessageTicket(c *gin.Context) {
	h.unlink(c, c.Param("ticketId"), c.Param("id"))
}
