package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// 正文读取上限
const maxBodyBytes = 1 << 20

// ParseRaw 解析 RFC 5322 原始邮件，提取发件人、收件人、主题与正文。
//
// 多部分邮件优先取 text/plain 部分，没有时退回 text/html；附件被忽略。
// 未知字符集与传输编码不视为错误，按原样读取。
func ParseRaw(raw []byte) (RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !isRecoverable(err)) {
		return RawMessage{}, fmt.Errorf("parse mail: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := RawMessage{}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.SourceID = id
	} else {
		msg.SourceID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	msg.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC()
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].Address
	} else {
		msg.Sender = NormalizeAddress(h.Get("From"))
	}

	for _, key := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			msg.Recipients = append(msg.Recipients, addr.Address)
		}
	}

	var text, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RawMessage{}, fmt.Errorf("read mail part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := inline.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}

		switch {
		case mediaType == "text/plain" && text == "":
			text = readBody(part.Body)
		case mediaType == "text/html" && html == "":
			html = readBody(part.Body)
		}
	}

	msg.Body = text
	if msg.Body == "" {
		msg.Body = html
	}
	return msg, nil
}

// ParseRawAt 解析原始邮件，缺少 Date 头时使用 fallback 作为接收时间
func ParseRawAt(raw []byte, fallback time.Time) (RawMessage, error) {
	msg, err := ParseRaw(raw)
	if err != nil {
		return msg, err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = fallback.UTC()
	}
	return msg, nil
}

func readBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	return strings.TrimRight(string(body), "\r\n")
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
