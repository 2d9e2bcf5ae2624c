package classifier

import (
	"strings"

	"abusedesk/backend/internal/domain"
)

const systemPrompt = `You are a security threat analyzer. You will analyze the content provided and MUST respond with a single JSON object.
You must extract any suspicious indicators like URLs, IPs, domains, and file names found only in the content provided.
You must be direct and honest in your assessment.
You must provide a detailed summary of the analysis.`

const responseShape = `Respond with a single JSON object in this EXACT format, with no trailing commas and ALL fields present (values for identified_threats and extracted_indicators must be taken from the content, do not make up values):
{
    "threat_type": "only one of the following values: %s",
    "confidence_score": 0.0 to 1.0,
    "identified_threats": ["threats", "found", "in", "the", "content"],
    "extracted_indicators": ["suspicious", "URLs", "IPs", "domains", "files", "found", "in", "the", "content"],
    "summary": "detailed analysis summary"
}`

// categoryList 以逗号连接全部威胁类别
func categoryList() string {
	types := domain.TicketTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// userPrompt 构造用户消息：待分析内容 + 输出格式要求
func userPrompt(content string) string {
	var b strings.Builder
	b.WriteString("Analyze this content for security threats:\n")
	b.WriteString(content)
	b.WriteString("\n\n")
	b.WriteString(strings.Replace(responseShape, "%s", categoryList(), 1))
	return b.String()
}

// BuildPrompt 构造单段式提示词（ollama /api/generate 使用）
func BuildPrompt(content string) string {
	return systemPrompt + "\n\n" + userPrompt(content)
}
