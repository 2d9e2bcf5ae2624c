package search

import "abusedesk/backend/internal/domain"

// 全文检索覆盖的字段
var (
	messageTextFields = []string{"sender", "recipients", "subject^2", "body"}
	ticketTextFields  = []string{"subject^2", "description", "analysis_summary", "identified_threats", "extracted_indicators"}
)

type query = map[string]interface{}

// buildMessageQuery 构造邮件搜索请求体
func buildMessageQuery(c domain.MessageSearchCriteria) query {
	offset, size := domain.NormalizePaging(c.Offset, c.Size)

	var filters, mustNot []query
	if c.Analyzed != nil {
		filters = append(filters, term("analyzed", *c.Analyzed))
	}
	if c.IsSent != nil {
		filters = append(filters, term("is_sent", *c.IsSent))
	}
	if c.HasTickets != nil {
		if *c.HasTickets {
			filters = append(filters, exists("ticket_ids"))
		} else {
			mustNot = append(mustNot, exists("ticket_ids"))
		}
	}

	return query{
		"query":            boolQuery(c.Query, messageTextFields, filters, mustNot),
		"from":             offset,
		"size":             size,
		"sort":             []query{{"received_at": query{"order": order(c.Ascending)}}},
		"track_total_hits": true,
	}
}

// buildTicketQuery 构造工单搜索请求体
func buildTicketQuery(c domain.TicketSearchCriteria) query {
	offset, size := domain.NormalizePaging(c.Offset, c.Size)

	var filters, mustNot []query
	if c.Status != nil {
		filters = append(filters, term("status", string(*c.Status)))
	}
	if c.TicketType != nil {
		filters = append(filters, term("ticket_type", string(*c.TicketType)))
	}
	if c.HasEmails != nil {
		if *c.HasEmails {
			filters = append(filters, exists("email_ids"))
		} else {
			mustNot = append(mustNot, exists("email_ids"))
		}
	}

	return query{
		"query":            boolQuery(c.Query, ticketTextFields, filters, mustNot),
		"from":             offset,
		"size":             size,
		"sort":             []query{{"created_at": query{"order": order(c.Ascending)}}},
		"track_total_hits": true,
	}
}

func boolQuery(text string, fields []string, filters, mustNot []query) query {
	var must query
	if text == "" {
		must = query{"match_all": query{}}
	} else {
		must = query{"multi_match": query{
			"query":  text,
			"fields": fields,
		}}
	}

	b := query{"must": []query{must}}
	if len(filters) > 0 {
		b["filter"] = filters
	}
	if len(mustNot) > 0 {
		b["must_not"] = mustNot
	}
	return query{"bool": b}
}

func term(field string, value interface{}) query {
	return query{"term": query{field: value}}
}

func exists(field string) query {
	return query{"exists": query{"field": field}}
}

func order(ascending bool) string {
	if ascending {
		return "asc"
	}
	return "desc"
}
