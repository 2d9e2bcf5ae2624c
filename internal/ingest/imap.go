package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"abusedesk/backend/internal/config"
)

var (
	ErrIMAPNotConfigured    = errors.New("imap source not configured")
	ErrIMAPConnectionFailed = errors.New("imap connection failed")
)

const (
	defaultMailbox    = "INBOX"
	defaultFetchLimit = 200
	dialTimeout       = 10 * time.Second
	commandTimeout    = 2 * time.Minute
)

// IMAPSource 通过 IMAP 拉取举报邮箱中的邮件。
//
// 邮件以 BODY.PEEK[] 读取，不会改变服务器上的已读标记；
// 去重完全依赖 Message-ID 与存储层的唯一约束。
type IMAPSource struct {
	cfg    config.IMAPConfig
	tokens oauth2.TokenSource
	log    *zap.Logger
}

// NewIMAPSource 创建 IMAP 邮件源
func NewIMAPSource(cfg config.IMAPConfig, log *zap.Logger) (*IMAPSource, error) {
	if cfg.Address == "" {
		return nil, ErrIMAPNotConfigured
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &IMAPSource{cfg: cfg, log: log.Named("imap")}
	if cfg.AuthType == "xoauth2" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		// 令牌源自带缓存，过期后自动刷新
		s.tokens = cc.TokenSource(context.Background())
	}
	return s, nil
}

// Name 实现 Source
func (s *IMAPSource) Name() string {
	return "imap"
}

// Fetch 实现 Source：连接、认证、选择邮箱并读取最新的 FetchLimit 封邮件
func (s *IMAPSource) Fetch(ctx context.Context) ([]RawMessage, error) {
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	// ctx 取消时立即断开，阻塞中的命令随之返回
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := s.authenticate(c); err != nil {
		return nil, err
	}

	if _, err := c.Select(s.cfg.Mailbox, true); err != nil {
		return nil, s.fail(ctx, fmt.Errorf("select %s: %w", s.cfg.Mailbox, err))
	}

	criteria := imap.NewSearchCriteria()
	if s.cfg.UnseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("uid search: %w", err))
	}
	if len(uids) == 0 {
		return []RawMessage{}, nil
	}
	if len(uids) > s.cfg.FetchLimit {
		uids = uids[len(uids)-s.cfg.FetchLimit:]
	}

	uidSet := new(imap.SeqSet)
	uidSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(uidSet, items, messages)
	}()

	out := make([]RawMessage, 0, len(uids))
	for msg := range messages {
		if msg == nil {
			continue
		}
		raw, ok := s.readMessage(msg)
		if ok {
			out = append(out, raw)
		}
	}
	if err := <-done; err != nil {
		return nil, s.fail(ctx, fmt.Errorf("uid fetch: %w", err))
	}

	s.log.Debug("Fetched messages over IMAP",
		zap.String("mailbox", s.cfg.Mailbox),
		zap.Int("count", len(out)))
	return out, nil
}

func (s *IMAPSource) readMessage(msg *imap.Message) (RawMessage, bool) {
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		content, err := io.ReadAll(literal)
		if err != nil || len(content) == 0 {
			continue
		}
		raw, err := ParseRawAt(content, msg.InternalDate)
		if err != nil {
			s.log.Warn("Failed to parse fetched message",
				zap.Uint32("uid", msg.Uid),
				zap.Error(err))
			return RawMessage{}, false
		}
		return raw, true
	}
	return RawMessage{}, false
}

func (s *IMAPSource) connect() (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		c   *client.Client
		err error
	)
	if s.cfg.UseTLS {
		host, _, _ := net.SplitHostPort(s.cfg.Address)
		c, err = client.DialWithDialerTLS(dialer, s.cfg.Address, &tls.Config{ServerName: host})
	} else {
		c, err = client.DialWithDialer(dialer, s.cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIMAPConnectionFailed, err)
	}
	c.Timeout = commandTimeout
	return c, nil
}

func (s *IMAPSource) authenticate(c *client.Client) error {
	if s.tokens == nil {
		if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
			return fmt.Errorf("%w: login failed: %v", ErrIMAPConnectionFailed, err)
		}
		return nil
	}

	token, err := s.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: oauth token: %v", ErrIMAPConnectionFailed, err)
	}
	if err := c.Authenticate(newXOAuth2Client(s.cfg.Username, token.AccessToken)); err != nil {
		return fmt.Errorf("%w: XOAUTH2 authentication failed: %v", ErrIMAPConnectionFailed, err)
	}
	return nil
}

// fail 在 ctx 已取消时优先返回 ctx 的错误
func (s *IMAPSource) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// xoauth2Client 实现 SASL XOAUTH2 机制
type xoauth2Client struct {
	username    string
	accessToken string
}

func newXOAuth2Client(username, accessToken string) *xoauth2Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

// Start 返回初始响应 "user=<user>^Aauth=Bearer <token>^A^A"
func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

// Next XOAUTH2 失败时服务器会返回一个 JSON 质询，回复空响应以结束交互
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
