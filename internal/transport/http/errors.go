package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"abusedesk/backend/internal/classifier"
	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/ingest"
	"abusedesk/backend/internal/search"
	"abusedesk/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息），按顺序匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrMessageNotFound, "邮件不存在"},
	{domain.ErrTicketNotFound, "工单不存在"},
	{domain.ErrAssociationNotFound, "邮件未关联到该工单"},
	{domain.ErrNoMessagesLinked, "没有可关联的有效邮件"},
	{domain.ErrMessageHasTickets, "邮件已关联工单，请先解除关联或使用强制删除"},
	{domain.ErrAlreadyAnalyzed, "邮件已分析"},
	{search.ErrDisabled, "搜索服务未启用"},
	{service.ErrNoMailSource, "未配置邮件拉取源"},
	{service.ErrProcessingDisabled, "批处理服务未启用"},
	{classifier.ErrServiceUnavailable, "威胁分类服务不可用"},
	{ingest.ErrIMAPConnectionFailed, "邮件服务器连接失败"},
}

// GetErrorMessage 获取错误的中文消息，未登记的错误返回原始信息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgInvalidPage      = "分页参数无效"
	MsgInvalidFilter    = "过滤参数无效"
	MsgTicketCreateFail = "创建工单失败"
	MsgTicketListFailed = "获取工单列表失败"
	MsgMessageListFail  = "获取邮件列表失败"
	MsgProcessFailed    = "邮件批处理失败"
	MsgFetchFailed      = "拉取邮件失败"
	MsgSearchFailed     = "搜索失败"
	MsgRequestTimeout   = "请求处理超时"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)

// StatusForError 将业务错误映射为 HTTP 状态码
func StatusForError(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, classifier.ErrServiceUnavailable),
		errors.Is(err, ingest.ErrIMAPConnectionFailed):
		return http.StatusBadGateway
	case errors.Is(err, search.ErrDisabled),
		errors.Is(err, service.ErrNoMailSource),
		errors.Is(err, service.ErrProcessingDisabled),
		errors.Is(err, ingest.ErrIMAPNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误类别写入响应；5xx 只返回通用消息，原始错误交给请求日志
func respondError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)

	status := StatusForError(err)
	switch {
	case status == http.StatusInternalServerError:
		if fallback == "" {
			fallback = MsgInternalError
		}
		Error(c, status, fallback)
	case status == http.StatusGatewayTimeout:
		Error(c, status, MsgRequestTimeout)
	default:
		Error(c, status, GetErrorMessage(err))
	}
}
