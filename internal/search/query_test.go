package search

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abusedesk/backend/internal/domain"
)

func toJSON(t *testing.T, q query) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(q)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestBuildMessageQuery(t *testing.T) {
	t.Run("空关键词使用match_all并按时间倒序", func(t *testing.T) {
		q := toJSON(t, buildMessageQuery(domain.MessageSearchCriteria{}))

		assert.Equal(t, float64(0), q["from"])
		assert.Equal(t, float64(domain.DefaultSearchSize), q["size"])

		boolQ := q["query"].(map[string]interface{})["bool"].(map[string]interface{})
		must := boolQ["must"].([]interface{})[0].(map[string]interface{})
		assert.Contains(t, must, "match_all")
		assert.NotContains(t, boolQ, "filter")

		sort := q["sort"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "desc", sort["received_at"].(map[string]interface{})["order"])
	})

	t.Run("过滤条件与升序", func(t *testing.T) {
		sent, hasTickets := false, false
		q := toJSON(t, buildMessageQuery(domain.MessageSearchCriteria{
			Query:      "invoice",
			IsSent:     &sent,
			HasTickets: &hasTickets,
			Ascending:  true,
		}))

		boolQ := q["query"].(map[string]interface{})["bool"].(map[string]interface{})
		must := boolQ["must"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "invoice", must["multi_match"].(map[string]interface{})["query"])

		filters := boolQ["filter"].([]interface{})
		require.Len(t, filters, 1)
		assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"is_sent": false}}, filters[0])

		mustNot := boolQ["must_not"].([]interface{})
		assert.Equal(t, map[string]interface{}{"exists": map[string]interface{}{"field": "ticket_ids"}}, mustNot[0])

		sort := q["sort"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "asc", sort["received_at"].(map[string]interface{})["order"])
	})
}

func TestBuildTicketQuery(t *testing.T) {
	status := domain.TicketStatusOpen
	ticketType := domain.TicketTypePhishing
	hasEmails := true

	q := toJSON(t, buildTicketQuery(domain.TicketSearchCriteria{
		Status:     &status,
		TicketType: &ticketType,
		HasEmails:  &hasEmails,
		Offset:     -5,
	}))

	assert.Equal(t, float64(0), q["from"])
	boolQ := q["query"].(map[string]interface{})["bool"].(map[string]interface{})
	filters := boolQ["filter"].([]interface{})
	assert.Len(t, filters, 3)
	assert.Contains(t, filters, map[string]interface{}{"term": map[string]interface{}{"status": "Open"}})
	assert.Contains(t, filters, map[string]interface{}{"term": map[string]interface{}{"ticket_type": "Phishing"}})
	assert.Contains(t, filters, map[string]interface{}{"exists": map[string]interface{}{"field": "email_ids"}})

	sort := q["sort"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, sort, "created_at")
}
