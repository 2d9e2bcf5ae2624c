package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// 字段分隔符（ASCII Unit Separator）
const fieldSeparator = "\x1f"

// Fingerprint 计算邮件内容指纹：规范化后的发件人、收件人、主题、正文的 SHA-256。
//
// 同一封邮件的不同传输形态（大小写、尖括号、收件人顺序、换行符）得到相同指纹。
func Fingerprint(sender string, recipients []string, subject, body string) string {
	normalized := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if addr := NormalizeAddress(r); addr != "" {
			normalized = append(normalized, addr)
		}
	}
	sort.Strings(normalized)

	fields := []string{
		NormalizeAddress(sender),
		strings.Join(normalized, ","),
		strings.TrimSpace(subject),
		strings.ReplaceAll(body, "\r\n", "\n"),
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NormalizeAddress 规范化邮件地址：去除空白与尖括号并转为小写
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// MessageID 返回邮件的存储 ID：优先使用源提供的 Message-ID，否则使用内容指纹
func MessageID(raw RawMessage) string {
	if id := strings.Trim(strings.TrimSpace(raw.SourceID), "<>"); id != "" {
		if len(id) > 128 {
			// 超长 Message-ID 退化为其哈希，保证主键长度
			sum := sha256.Sum256([]byte(id))
			return "mid:" + hex.EncodeToString(sum[:])
		}
		return id
	}
	return Fingerprint(raw.Sender, raw.Recipients, raw.Subject, raw.Body)
}
