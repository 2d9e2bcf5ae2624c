package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("nil 接收者为空操作", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordHTTPRequest("GET", "/v1/tickets", "200", time.Millisecond)
			m.RecordIngest("imap", 3, 1, 2)
			m.RecordPipelineItem("analyzed")
			m.RecordTicketCreated("Phishing", "pipeline")
			m.RecordIndexFailure("messages", "index")
			m.UpdateReplayBacklog(4)
			m.RecordPanic()
		})
	})

	t.Run("记录与导出", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetricsWithRegistry(reg, reg)

		m.RecordIngest("smtp", 3, 1, 2)
		m.RecordTicketCreated("Spam", "api")
		m.RecordTicketCreated("Spam", "api")
		m.UpdateReplayBacklog(7)

		assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesFetched.WithLabelValues("smtp")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDuplicates.WithLabelValues("smtp")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesStored.WithLabelValues("smtp")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.TicketsCreated.WithLabelValues("Spam", "api")))
		assert.Equal(t, 7.0, testutil.ToFloat64(m.ReplayBacklog))

		rec := httptest.NewRecorder()
		m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "abusedesk_index_replay_backlog")
	})
}
