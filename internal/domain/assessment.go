package domain

import (
	"math"
	"net"
	"strings"
)

// 默认评估的说明文字
const (
	SummaryNoResponse  = "Analysis failed - no response from model"
	SummaryParseFailed = "Failed to parse analysis response"
)

// ThreatAssessment 外部分类服务返回的结构化威胁评估（不直接持久化）。
type ThreatAssessment struct {
	ThreatType          TicketType `json:"threat_type"`
	ConfidenceScore     float64    `json:"confidence_score"`
	IdentifiedThreats   []string   `json:"identified_threats"`
	ExtractedIndicators []string   `json:"extracted_indicators"`
	Summary             string     `json:"summary"`
}

// DefaultAssessment 返回兜底评估：类别 Other、置信度 0、空列表。
func DefaultAssessment(summary string) ThreatAssessment {
	return ThreatAssessment{
		ThreatType:          TicketTypeOther,
		ConfidenceScore:     0,
		IdentifiedThreats:   []string{},
		ExtractedIndicators: []string{},
		Summary:             summary,
	}
}

// Normalize 保证评估满足不变量：
// 类别属于枚举（否则 Other），置信度位于 [0, 1]，列表字段非 nil。
func (a ThreatAssessment) Normalize() ThreatAssessment {
	t, _ := ParseTicketType(string(a.ThreatType))
	a.ThreatType = t

	switch {
	case math.IsNaN(a.ConfidenceScore) || a.ConfidenceScore < 0:
		a.ConfidenceScore = 0
	case a.ConfidenceScore > 1:
		a.ConfidenceScore = 1
	}

	a.IdentifiedThreats = compactStrings(a.IdentifiedThreats)
	a.ExtractedIndicators = compactStrings(a.ExtractedIndicators)
	a.Summary = strings.TrimSpace(a.Summary)
	return a
}

// FirstIP 返回第一个形如 IP 地址的指标（支持 ip:port 形式）。
func (a ThreatAssessment) FirstIP() (string, bool) {
	for _, indicator := range a.ExtractedIndicators {
		candidate := strings.Trim(strings.TrimSpace(indicator), "[]")
		if ip := net.ParseIP(candidate); ip != nil {
			return ip.String(), true
		}
		if host, _, err := net.SplitHostPort(strings.TrimSpace(indicator)); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				return ip.String(), true
			}
		}
	}
	return "", false
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
