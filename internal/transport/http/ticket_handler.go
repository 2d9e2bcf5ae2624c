package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/service"
)

// ========== Ticket Handlers ==========

type createTicketRequest struct {
	TicketType          string   `json:"ticketType"`
	IPAddress           *string  `json:"ipAddress"`
	Subject             string   `json:"subject"`
	Description         string   `json:"description"`
	ConfidenceScore     *float64 `json:"confidenceScore"`
	IdentifiedThreats   []string `json:"identifiedThreats"`
	ExtractedIndicators []string `json:"extractedIndicators"`
	AnalysisSummary     *string  `json:"analysisSummary"`
	EmailIDs            []string `json:"emailIds"`
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type addEmailRequest struct {
	EmailID string `json:"emailId" binding:"required"`
}

type linkResponse struct {
	TicketID string `json:"ticketId"`
	EmailID  string `json:"emailId"`
	Created  bool   `json:"created"`
}

// createTicket godoc
// @Summary 创建工单
// @Description 创建工单并可同时关联邮件；全部关联成功返回 201，部分失败返回 200
// @Tags Tickets
// @Accept json
// @Produce json
// @Param ticket body createTicketRequest true "工单信息"
// @Success 201 {object} Response{data=service.CreateTicketResult}
// @Success 200 {object} Response{data=service.CreateTicketResult}
// @Failure 400 {object} Response
// @Router /v1/tickets [post]
func (h *Handler) createTicket(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.tickets.Create(c.Request.Context(), service.CreateTicketInput{
		TicketType:          req.TicketType,
		IPAddress:           req.IPAddress,
		Subject:             req.Subject,
		Description:         req.Description,
		ConfidenceScore:     req.ConfidenceScore,
		IdentifiedThreats:   req.IdentifiedThreats,
		ExtractedIndicators: req.ExtractedIndicators,
		AnalysisSummary:     req.AnalysisSummary,
		EmailIDs:            req.EmailIDs,
	})
	if err != nil {
		respondError(c, err, MsgTicketCreateFail)
		return
	}

	if result.Partial() {
		SuccessWithMsg(c, "工单已创建，部分邮件关联失败", result)
		return
	}
	Created(c, result)
}

// listTickets godoc
// @Summary 获取工单列表
// @Tags Tickets
// @Produce json
// @Param status query string false "状态过滤"
// @Param type query string false "类型过滤"
// @Param page query int false "页码"
// @Param pageSize query int false "每页数量"
// @Success 200 {object} Response{data=domain.TicketListResult}
// @Router /v1/tickets [get]
func (h *Handler) listTickets(c *gin.Context) {
	page, pageSize, ok := pageParams(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}

	filter := domain.TicketFilter{Page: page, PageSize: pageSize}
	var err error
	if filter.Status, err = statusParam(c.Query("status")); err != nil {
		respondError(c, err, "")
		return
	}
	if filter.TicketType, err = typeParam(c.Query("type")); err != nil {
		respondError(c, err, "")
		return
	}

	result, err := h.tickets.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, MsgTicketListFailed)
		return
	}
	Success(c, result)
}

// getTicket 获取工单详情
func (h *Handler) getTicket(c *gin.Context) {
	ticket, err := h.tickets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, ticket)
}

// updateTicketStatus godoc
// @Summary 更新工单状态
// @Description 状态之间可任意转换，updatedAt 严格递增
// @Tags Tickets
// @Accept json
// @Produce json
// @Param id path string true "工单ID"
// @Success 200 {object} Response{data=service.StatusUpdate}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /v1/tickets/{id}/status [put]
func (h *Handler) updateTicketStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	update, err := h.tickets.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, update)
}

// listTicketEmails 列出工单关联的邮件
func (h *Handler) listTicketEmails(c *gin.Context) {
	messages, err := h.tickets.ListEmails(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, messages)
}

// addTicketEmail 通过请求体关联邮件
func (h *Handler) addTicketEmail(c *gin.Context) {
	var req addEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	h.link(c, c.Param("id"), req.EmailID)
}

func (h *Handler) linkTicketEmail(c *gin.Context) {
	h.link(c, c.Param("id"), c.Param("emailId"))
}

func (h *Handler) unlinkTicketEmail(c *gin.Context) {
	h.unlink(c, c.Param("id"), c.Param("emailId"))
}

// link 关联是幂等的，重复关联返回 created=false
func (h *Handler) link(c *gin.Context, ticketID, messageID string) {
	created, err := h.tickets.AddEmail(c.Request.Context(), ticketID, messageID)
	if err != nil {
		respondError(c, err, "")
		return
	}
	Success(c, linkResponse{TicketID: ticketID, EmailID: messageID, Created: created})
}

func (h *Handler) unlink(c *gin.Context, ticketID, messageID string) {
	if err := h.tickets.RemoveEmail(c.Request.Context(), ticketID, messageID); err != nil {
		respondError(c, err, "")
		return
	}
	SuccessWithMsg(c, "已解除关联", linkResponse{TicketID: ticketID, EmailID: messageID})
}

// statusParam 严格解析状态过滤参数
func statusParam(raw string) (*domain.TicketStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	status, ok := domain.ParseTicketStatus(raw)
	if !ok {
		return nil, domain.Validationf("unknown ticket status %q", raw)
	}
	return &status, nil
}

// typeParam 严格解析类型过滤参数
func typeParam(raw string) (*domain.TicketType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ticketType, ok := domain.ParseTicketType(raw)
	if !ok {
		return nil, domain.Validationf("unknown ticket type %q", raw)
	}
	return &ticketType, nil
}
