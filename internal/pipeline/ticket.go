package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"abusedesk/backend/internal/domain"
)

const noSubject = "(no subject)"

// BuildTicket 根据邮件与威胁评估构造待创建的工单。
//
// 主题为 "[类别] 原主题"，描述为邮件可读内容加上分析结果；
// IP 取第一个可解析为 IP 的指标。
func BuildTicket(msg *domain.Message, a domain.ThreatAssessment) *domain.Ticket {
	a = a.Normalize()

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = noSubject
	}

	confidence := a.ConfidenceScore
	ticket := &domain.Ticket{
		TicketType:          a.ThreatType,
		Status:              domain.TicketStatusOpen,
		Subject:             fmt.Sprintf("[%s] %s", a.ThreatType, subject),
		Description:         describe(msg, a),
		ConfidenceScore:     &confidence,
		IdentifiedThreats:   a.IdentifiedThreats,
		ExtractedIndicators: a.ExtractedIndicators,
	}
	if ip, ok := a.FirstIP(); ok {
		ticket.IPAddress = &ip
	}
	if a.Summary != "" {
		summary := a.Summary
		ticket.AnalysisSummary = &summary
	}
	return ticket
}

func describe(msg *domain.Message, a domain.ThreatAssessment) string {
	var b strings.Builder
	b.WriteString(msg.Content())
	b.WriteString("\n\n--- Threat Analysis ---\n")
	b.WriteString("Threat Type: ")
	b.WriteString(string(a.ThreatType))
	b.WriteString("\nConfidence: ")
	b.WriteString(strconv.FormatFloat(a.ConfidenceScore, 'f', 2, 64))
	b.WriteString("\nIdentified Threats: ")
	b.WriteString(listOrNone(a.IdentifiedThreats))
	b.WriteString("\nIndicators: ")
	b.WriteString(listOrNone(a.ExtractedIndicators))
	if a.Summary != "" {
		b.WriteString("\nSummary: ")
		b.WriteString(a.Summary)
	}
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
