package ingest

import (
	"context"
	"time"
)

// RawMessage 邮件源提供的一封原始邮件
type RawMessage struct {
	SourceID   string // 源提供的稳定标识（Message-ID），可为空
	Sender     string
	Recipients []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	IsSent     bool
}

// Source 拉取式邮件源
//
// Fetch 要么返回本次拉取到的全部邮件，要么返回错误；部分结果不会被使用。
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawMessage, error)
}

// StaticSource 返回固定邮件列表的邮件源
type StaticSource struct {
	SourceName string
	Messages   []RawMessage
	Err        error
}

// Name 实现 Source
func (s *StaticSource) Name() string {
	if s.SourceName == "" {
		return "static"
	}
	return s.SourceName
}

// Fetch 实现 Source
func (s *StaticSource) Fetch(ctx context.Context) ([]RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]RawMessage(nil), s.Messages...), nil
}
