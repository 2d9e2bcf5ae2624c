package classifier

import (
	"encoding/json"
	"strings"

	"abusedesk/backend/internal/domain"
)

// wireAssessment 模型输出的宽松形态：置信度允许写成字符串
type wireAssessment struct {
	ThreatType          string      `json:"threat_type"`
	ConfidenceScore     json.Number `json:"confidence_score"`
	IdentifiedThreats   []string    `json:"identified_threats"`
	ExtractedIndicators []string    `json:"extracted_indicators"`
	Summary             string      `json:"summary"`
}

// ParseAssessment 将模型原始输出解析为威胁评估。
//
// 该函数不会失败：空输出与无法解析的输出都返回兜底评估，
// 结果总是满足 ThreatAssessment.Normalize 的不变量。
func ParseAssessment(raw string) domain.ThreatAssessment {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return domain.DefaultAssessment(domain.SummaryNoResponse)
	}

	if a, ok := decodeAssessment(trimmed); ok {
		return a
	}
	// 模型经常把 JSON 包在说明文字或代码块里
	if block, ok := outermostObject(trimmed); ok {
		if a, ok := decodeAssessment(block); ok {
			return a
		}
	}
	return domain.DefaultAssessment(domain.SummaryParseFailed)
}

func decodeAssessment(s string) (domain.ThreatAssessment, bool) {
	var w wireAssessment
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return domain.ThreatAssessment{}, false
	}

	var score float64
	if w.ConfidenceScore != "" {
		f, err := w.ConfidenceScore.Float64()
		if err != nil {
			return domain.ThreatAssessment{}, false
		}
		score = f
	}

	return domain.ThreatAssessment{
		ThreatType:          domain.TicketType(w.ThreatType),
		ConfidenceScore:     score,
		IdentifiedThreats:   w.IdentifiedThreats,
		ExtractedIndicators: w.ExtractedIndicators,
		Summary:             w.Summary,
	}.Normalize(), true
}

// outermostObject 截取第一个 '{' 到最后一个 '}' 之间的内容
func outermostObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
