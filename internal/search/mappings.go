package search

// 逻辑索引名，实际索引名为配置前缀 + 逻辑名
const (
	IndexMessages = "messages"
	IndexTickets  = "tickets"
)

// 全文字段使用的自定义分析器
const analysisSettings = `{
    "analysis": {
      "analyzer": {
        "report_analyzer": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase", "stop", "snowball"]
        }
      }
    }
  }`

var messageMapping = `{
  "settings": ` + analysisSettings + `,
  "mappings": {
    "properties": {
      "id":          { "type": "keyword" },
      "sender":      { "type": "text", "analyzer": "report_analyzer", "fields": { "raw": { "type": "keyword" } } },
      "recipients":  { "type": "text", "analyzer": "report_analyzer" },
      "subject":     { "type": "text", "analyzer": "report_analyzer" },
      "body":        { "type": "text", "analyzer": "report_analyzer" },
      "received_at": { "type": "date" },
      "analyzed":    { "type": "boolean" },
      "is_sent":     { "type": "boolean" },
      "ticket_ids":  { "type": "keyword" }
    }
  }
}`

var ticketMapping = `{
  "settings": ` + analysisSettings + `,
  "mappings": {
    "properties": {
      "id":                   { "type": "keyword" },
      "ticket_type":          { "type": "keyword" },
      "status":               { "type": "keyword" },
      "ip_address":           { "type": "ip" },
      "subject":              { "type": "text", "analyzer": "report_analyzer" },
      "description":          { "type": "text", "analyzer": "report_analyzer" },
      "confidence_score":     { "type": "float" },
      "identified_threats":   { "type": "keyword" },
      "extracted_indicators": { "type": "keyword" },
      "analysis_summary":     { "type": "text", "analyzer": "report_analyzer" },
      "created_at":           { "type": "date" },
      "updated_at":           { "type": "date" },
      "email_ids":            { "type": "keyword" }
    }
  }
}`

// mappingFor 返回逻辑索引的建索引请求体
func mappingFor(kind string) string {
	if kind == IndexTickets {
		return ticketMapping
	}
	return messageMapping
}
