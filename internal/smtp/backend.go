package smtp

import (
	"context"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/ingest"
)

const (
	maxMessageBytes = 10 << 20 // 10MB
	acceptTimeout   = 30 * time.Second
)

var (
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "relay access denied - domain not managed by this server",
	}
	errTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	errTemporaryFailure = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure storing message",
	}
	errNoRecipients = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "no valid recipients",
	}
)

// Acceptor 接收推送式邮件的摄取入口
type Acceptor interface {
	Accept(ctx context.Context, source string, raws []ingest.RawMessage) (*ingest.Report, error)
}

// Backend 实现 go-smtp 的 Backend 接口，把投递到举报邮箱的邮件交给摄取器。
//
// 这是一个只接收的服务器：只接受发往 AllowedDomains 的邮件，不做任何中继。
// AllowedDomains 为空时接受全部收件人。
type Backend struct {
	ingestor Acceptor
	allowed  map[string]struct{}
	limiter  *ConnectionLimiter
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(ingestor Acceptor, cfg config.SMTPConfig, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed[d] = struct{}{}
		}
	}
	return &Backend{
		ingestor: ingestor,
		allowed:  allowed,
		limiter:  NewConnectionLimiter(cfg.MaxConnections, cfg.MaxRate),
		log:      log.Named("smtp"),
	}
}

// NewServer 按配置创建 go-smtp 服务器
func NewServer(b *Backend, cfg config.SMTPConfig) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.MaxMessageBytes = maxMessageBytes
	s.MaxRecipients = 50
	return s
}

// NewSession 创建新的 SMTP 会话，超过连接限制时拒绝。
func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		return nil, errTooManyConnections
	}
	return &session{backend: b}, nil
}

// ActiveConnections 当前活动连接数
func (b *Backend) ActiveConnections() int {
	return b.limiter.Current()
}

type session struct {
	backend    *Backend
	from       string
	recipients []string
	closed     bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = ingest.NormalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，拒绝不受管理的域名。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := ingest.NormalizeAddress(to)

	parts := strings.Split(addr, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errInvalidRecipient
	}
	if len(s.backend.allowed) > 0 {
		if _, ok := s.backend.allowed[parts[1]]; !ok {
			return errRelayDenied
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 解析邮件并交给摄取器。存储失败返回 451，发送方会重试。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return errNoRecipients
	}

	rawBytes, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}

	raw, err := ingest.ParseRawAt(rawBytes, time.Now())
	if err != nil {
		s.backend.log.Warn("Failed to parse message, storing envelope only",
			zap.String("from", s.from),
			zap.Error(err))
		raw = ingest.RawMessage{Body: string(rawBytes), ReceivedAt: time.Now().UTC()}
	}
	if raw.Sender == "" {
		raw.Sender = s.from
	}
	if len(raw.Recipients) == 0 {
		raw.Recipients = append([]string(nil), s.recipients...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()

	if _, err := s.backend.ingestor.Accept(ctx, "smtp", []ingest.RawMessage{raw}); err != nil {
		s.backend.log.Error("Failed to ingest message",
			zap.String("from", s.from),
			zap.Strings("recipients", s.recipients),
			zap.Error(err))
		return errTemporaryFailure
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	if !s.closed {
		s.closed = true
		s.backend.limiter.Release()
	}
	return nil
}
