package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/ingest"
)

type fakeAcceptor struct {
	mu   sync.Mutex
	raws []ingest.RawMessage
	err  error
}

func (f *fakeAcceptor) Accept(_ context.Context, source string, raws []ingest.RawMessage) (*ingest.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.raws = append(f.raws, raws...)
	return &ingest.Report{Source: source, Fetched: len(raws), Stored: len(raws)}, nil
}

func (f *fakeAcceptor) received() []ingest.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingest.RawMessage(nil), f.raws...)
}

const sampleReport = "From: Reporter <reporter@example.com>\r\n" +
	"To: abuse@isp.net\r\n" +
	"Subject: Spam from 192.0.2.10\r\n" +
	"Message-ID: <spam-1@example.com>\r\n" +
	"\r\n" +
	"See headers attached.\r\n"

func newSession(t *testing.T, b *Backend) *session {
	t.Helper()
	s, err := b.NewSession(nil)
	require.NoError(t, err)
	return s.(*session)
}

func TestSession(t *testing.T) {
	cfg := config.SMTPConfig{AllowedDomains: []string{"ISP.net"}}

	t.Run("接收并交给摄取器", func(t *testing.T) {
		acceptor := &fakeAcceptor{}
		s := newSession(t, NewBackend(acceptor, cfg, zap.NewNop()))

		require.NoError(t, s.Mail("<Reporter@Example.com>", nil))
		require.NoError(t, s.Rcpt("<Abuse@ISP.net>", nil))
		require.NoError(t, s.Data(strings.NewReader(sampleReport)))

		got := acceptor.received()
		require.Len(t, got, 1)
		assert.Equal(t, "spam-1@example.com", got[0].SourceID)
		assert.Equal(t, "reporter@example.com", got[0].Sender)
		assert.Equal(t, "Spam from 192.0.2.10", got[0].Subject)
		assert.Equal(t, "See headers attached.", got[0].Body)
	})

	t.Run("缺少头部时使用信封地址", func(t *testing.T) {
		acceptor := &fakeAcceptor{}
		s := newSession(t, NewBackend(acceptor, cfg, zap.NewNop()))

		require.NoError(t, s.Mail("reporter@example.com", nil))
		require.NoError(t, s.Rcpt("abuse@isp.net", nil))
		require.NoError(t, s.Data(strings.NewReader("Subject: bare\r\n\r\nbody\r\n")))

		got := acceptor.received()
		require.Len(t, got, 1)
		assert.Equal(t, "reporter@example.com", got[0].Sender)
		assert.Equal(t, []string{"abuse@isp.net"}, got[0].Recipients)
	})

	t.Run("拒绝非管理域名", func(t *testing.T) {
		s := newSession(t, NewBackend(&fakeAcceptor{}, cfg, zap.NewNop()))
		err := s.Rcpt("victim@elsewhere.org", nil)

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("拒绝无效地址", func(t *testing.T) {
		s := newSession(t, NewBackend(&fakeAcceptor{}, cfg, zap.NewNop()))
		err := s.Rcpt("not-an-address", nil)

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
	})

	t.Run("未配置域名时全部接受", func(t *testing.T) {
		s := newSession(t, NewBackend(&fakeAcceptor{}, config.SMTPConfig{}, zap.NewNop()))
		assert.NoError(t, s.Rcpt("anyone@anywhere.org", nil))
	})

	t.Run("存储失败返回临时错误", func(t *testing.T) {
		acceptor := &fakeAcceptor{err: errors.New("database is down")}
		s := newSession(t, NewBackend(acceptor, cfg, zap.NewNop()))

		require.NoError(t, s.Rcpt("abuse@isp.net", nil))
		err := s.Data(strings.NewReader(sampleReport))

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 451, smtpErr.Code)
	})

	t.Run("重置清空收件人", func(t *testing.T) {
		s := newSession(t, NewBackend(&fakeAcceptor{}, cfg, zap.NewNop()))
		require.NoError(t, s.Rcpt("abuse@isp.net", nil))
		s.Reset()
		assert.Empty(t, s.recipients)
		assert.Error(t, s.Data(strings.NewReader(sampleReport)))
	})
}

func TestBackendConnectionLimit(t *testing.T) {
	b := NewBackend(&fakeAcceptor{}, config.SMTPConfig{MaxConnections: 1}, zap.NewNop())

	first, err := b.NewSession(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ActiveConnections())

	_, err = b.NewSession(nil)
	assert.Error(t, err)

	require.NoError(t, first.Logout())
	require.NoError(t, first.Logout())
	assert.Equal(t, 0, b.ActiveConnections())

	_, err = b.NewSession(nil)
	assert.NoError(t, err)
}

func TestServerDelivery(t *testing.T) {
	acceptor := &fakeAcceptor{}
	cfg := config.SMTPConfig{Domain: "localhost", AllowedDomains: []string{"isp.net"}}
	server := NewServer(NewBackend(acceptor, cfg, zap.NewNop()), cfg)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	err = gosmtp.SendMail(l.Addr().String(), nil, "reporter@example.com", []string{"abuse@isp.net"}, strings.NewReader(sampleReport))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(acceptor.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "spam-1@example.com", acceptor.received()[0].SourceID)
}
